package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cbos/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	tokens map[string]string
	slugs  map[string]bool
}

func (f fakeResolver) FindByResumeToken(token string) (string, bool) {
	slug, ok := f.tokens[token]
	return slug, ok
}

func (f fakeResolver) Get(slug string) (session.Session, error) {
	if f.slugs[slug] {
		return session.Session{Slug: slug}, nil
	}
	return session.Session{}, session.ErrNotFound
}

type call struct {
	slug    string
	context string
}

type collector struct {
	mu    sync.Mutex
	calls []call
}

func (c *collector) handle(slug, lastContext string) {
	c.mu.Lock()
	c.calls = append(c.calls, call{slug, lastContext})
	c.mu.Unlock()
}

func (c *collector) snapshot() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.calls...)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func startWatcher(t *testing.T, path string) *collector {
	t.Helper()
	c := &collector{}
	resolver := fakeResolver{
		tokens: map[string]string{"tok-123": "api"},
		slugs:  map[string]bool{"api": true, "web": true},
	}
	w := New(path, resolver, c.handle, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Start())
	t.Cleanup(w.Shutdown)
	return c
}

const (
	waitingByToken = `{"event":"waiting_for_input","session":{"id":"tok-123","transcriptPath":"/tmp/t.jsonl"},"context":{"precedingText":"Proceed with the migration?"}}`
	waitingBySlug  = `{"event":"waiting_for_input","session":{"id":"web"},"context":{"precedingText":"Done. Anything else?"}}`
)

func TestWatcher_ResolvesTokenAndSlug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waiting.jsonl")
	c := startWatcher(t, path)

	appendLine(t, path, waitingByToken)
	appendLine(t, path, waitingBySlug)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []call{
		{"api", "Proceed with the migration?"},
		{"web", "Done. Anything else?"},
	}, c.snapshot())
}

func TestWatcher_SkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waiting.jsonl")
	appendLine(t, path, waitingByToken)

	c := startWatcher(t, path)
	appendLine(t, path, waitingBySlug)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(3 * debounceInterval)
	assert.Equal(t, []call{{"web", "Done. Anything else?"}}, c.snapshot())
}

func TestWatcher_IgnoresOtherRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waiting.jsonl")
	c := startWatcher(t, path)

	appendLine(t, path, `{"event":"session_started","session":{"id":"api"}}`)
	appendLine(t, path, `not json`)
	appendLine(t, path, `{"event":"waiting_for_input","session":{"id":"unknown"}}`)
	appendLine(t, path, waitingBySlug)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "web", c.snapshot()[0].slug)
}

func TestWatcher_HandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waiting.jsonl")
	appendLine(t, path, `{"event":"noise","padding":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`)
	c := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte(waitingBySlug+"\n"), 0o644))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "web", c.snapshot()[0].slug)
}

func TestWatcher_CreatesDirectoryAndFollowsNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "waiting.jsonl")
	c := startWatcher(t, path)

	appendLine(t, path, waitingByToken)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "api", c.snapshot()[0].slug)
}

func TestResolve(t *testing.T) {
	w := New("/tmp/unused.jsonl", fakeResolver{
		tokens: map[string]string{"tok": "api"},
		slugs:  map[string]bool{"api": true, "web": true},
	}, nil, nil)

	slug, ok := w.Resolve("tok")
	assert.True(t, ok)
	assert.Equal(t, "api", slug)

	slug, ok = w.Resolve("web")
	assert.True(t, ok)
	assert.Equal(t, "web", slug)

	_, ok = w.Resolve("nobody")
	assert.False(t, ok)
}

func TestShutdownIsIdempotent(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "w.jsonl"), fakeResolver{}, nil, nil)
	require.NoError(t, w.Start())
	w.Shutdown()
	w.Shutdown()
}
