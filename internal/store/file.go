// Package store provides durable backends for the session registry.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cbos/internal/session"

	"github.com/gofrs/flock"
)

const (
	fileName      = "sessions.json"
	fileVersion   = 1
	fileLockName  = fileName + ".lock"
	filePerm      = 0o600
	directoryPerm = 0o755
)

// ErrLocked means another process already owns the data directory.
var ErrLocked = errors.New("session store is locked by another process")

type fileLayout struct {
	Version  int                        `json:"version"`
	Sessions map[string]session.Session `json:"sessions"`
}

// FileStore keeps every session in a single JSON document. Writes replace
// the document atomically via a temp file and rename. An exclusive lock on
// a sibling lock file is held for the life of the store so two servers
// cannot share one data directory.
type FileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// OpenFile opens (or prepares) the JSON store under dir.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, fileLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	return &FileStore{
		path: filepath.Join(dir, fileName),
		lock: lock,
	}, nil
}

// Path returns the location of the JSON document.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads all sessions. A missing file is an empty store.
func (s *FileStore) Load() ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(s.path)
}

// Save rewrites the document with sessions.
func (s *FileStore) Save(sessions []session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	layout := fileLayout{
		Version:  fileVersion,
		Sessions: make(map[string]session.Session, len(sessions)),
	}
	for _, sess := range sessions {
		layout.Sessions[sess.Slug] = sess
	}
	return atomicWriteJSON(s.path, layout)
}

// Close releases the directory lock.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}

// ReadFile loads sessions from a JSON store document without taking the
// lock. It is meant for read-only inspection while a server may be running.
func ReadFile(dir string) ([]session.Session, error) {
	return readFile(filepath.Join(dir, fileName))
}

func readFile(path string) ([]session.Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if layout.Version > fileVersion {
		return nil, fmt.Errorf("decode %s: unsupported version %d", path, layout.Version)
	}

	result := make([]session.Session, 0, len(layout.Sessions))
	for slug, sess := range layout.Sessions {
		sess.Slug = slug
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result, nil
}

// atomicWriteJSON writes v to a temp file in the target directory, syncs
// it, and renames it over path.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
