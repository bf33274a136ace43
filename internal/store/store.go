package store

import (
	"fmt"

	"cbos/internal/session"
)

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open returns the backend named by kind, rooted at dataDir.
func Open(kind, dataDir string) (session.Store, error) {
	switch kind {
	case KindFile, "":
		return OpenFile(dataDir)
	case KindSQLite:
		return OpenSQLite(dataDir)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

// ReadOnly loads sessions from dataDir without holding any lock, for
// inspection commands that run beside a live server.
func ReadOnly(kind, dataDir string) ([]session.Session, error) {
	switch kind {
	case KindFile, "":
		return ReadFile(dataDir)
	case KindSQLite:
		s, err := OpenSQLite(dataDir)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return s.Load()
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
