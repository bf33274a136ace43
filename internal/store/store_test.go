package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cbos/internal/event"
	"cbos/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSessions() []session.Session {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return []session.Session{
		{
			Slug:         "alpha",
			Path:         "/work/alpha",
			Transport:    session.TransportStream,
			State:        session.StateWaiting,
			ResumeToken:  "tok-a",
			CreatedAt:    created,
			LastActivity: created.Add(time.Minute),
			MessageCount: 2,
			LastContext:  "Pick one",
			Events: []event.Event{
				{Category: event.CategoryText, Summary: "Hello", Priority: event.PriorityNormal, Timestamp: created},
			},
		},
		{
			Slug:      "bravo",
			Path:      "/work/bravo",
			Transport: session.TransportTerminal,
			State:     session.StateIdle,
			CreatedAt: created,
		},
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	require.NoError(t, s.Save(sampleSessions()))

	loaded, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleSessions(), loaded)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(sampleSessions()))

	data, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)

	var raw struct {
		Version  int                        `json:"version"`
		Sessions map[string]json.RawMessage `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, 1, raw.Version)
	assert.Contains(t, raw.Sessions, "alpha")
	assert.Contains(t, raw.Sessions, "bravo")
}

func TestFileStore_SaveReplaces(t *testing.T) {
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(sampleSessions()))
	require.NoError(t, s.Save(sampleSessions()[1:]))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "bravo", loaded[0].Slug)
}

func TestFileStore_SecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenFile(dir)
	require.NoError(t, err)

	_, err = OpenFile(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := OpenFile(dir)
	require.NoError(t, err)
	second.Close()
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{nope"), 0o600))

	s, err := OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load()
	assert.Error(t, err)
}

func TestReadFile_WithoutLock(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(sampleSessions()))

	loaded, err := ReadOnly(KindFile, dir)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	require.NoError(t, s.Save(sampleSessions()))
	loaded, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleSessions(), loaded)

	require.NoError(t, s.Save(sampleSessions()[:1]))
	loaded, err = s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "alpha", loaded[0].Slug)
}

func TestOpen_Kinds(t *testing.T) {
	fs, err := Open(KindFile, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, fs)
	fs.Close()

	ss, err := Open(KindSQLite, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, ss)
	ss.Close()

	_, err = Open("etcd", t.TempDir())
	assert.Error(t, err)
}

func TestRegistryOverFileStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()

	s, err := OpenFile(dir)
	require.NoError(t, err)
	reg, err := session.NewRegistry(s, 10, nil)
	require.NoError(t, err)

	_, err = reg.Create("alpha", work, "")
	require.NoError(t, err)
	_, _, err = reg.SetState("alpha", session.StateWorking)
	require.NoError(t, err)
	_, err = reg.SetResumeToken("alpha", "tok-1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenFile(dir)
	require.NoError(t, err)
	defer s2.Close()
	reg2, err := session.NewRegistry(s2, 10, nil)
	require.NoError(t, err)

	sess, err := reg2.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, sess.State)
	assert.Equal(t, "tok-1", sess.ResumeToken)
	assert.Equal(t, work, sess.Path)
}
