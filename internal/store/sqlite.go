package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cbos/internal/session"

	_ "modernc.org/sqlite"
)

const sqliteFileName = "sessions.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	slug       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT
)`

// SQLiteStore keeps one row per session, with the session encoded as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) sessions.db under dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return openSQLiteDSN(filepath.Join(dir, sqliteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

func openSQLiteDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns every stored session ordered by slug.
func (s *SQLiteStore) Load() ([]session.Session, error) {
	rows, err := s.db.Query("SELECT slug, data FROM sessions ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var result []session.Session
	for rows.Next() {
		var slug, data string
		if err := rows.Scan(&slug, &data); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", slug, err)
		}
		sess.Slug = slug
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return result, nil
}

// Save replaces every row with sessions in a single transaction.
func (s *SQLiteStore) Save(sessions []session.Session) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO sessions (slug, data, updated_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, sess := range sessions {
		data, encErr := json.Marshal(sess)
		if encErr != nil {
			err = fmt.Errorf("encode session %s: %w", sess.Slug, encErr)
			return err
		}
		if _, err = stmt.Exec(sess.Slug, string(data), now); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.Slug, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
