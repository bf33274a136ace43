package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cbos/internal/notify"
	"cbos/internal/session"
	"cbos/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if err := f.errs[args[0]]; err != nil {
		return nil, err
	}
	return []byte(f.outputs[args[0]]), nil
}

func (f *fakeRunner) recorded() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "cbos-api", SessionName("api"))
	assert.Equal(t, "cbos-v1_2", SessionName("v1.2"))
}

func TestTmux_Commands(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"capture-pane": "line\n> "}}
	tm := NewTmux(runner)
	ctx := context.Background()

	require.NoError(t, tm.Launch(ctx, "api", "/src/api", "claude"))
	require.NoError(t, tm.SendKeys(ctx, "api", "run the tests"))
	require.NoError(t, tm.Interrupt(ctx, "api"))
	assert.True(t, tm.Exists(ctx, "api"))

	out, err := tm.Capture(ctx, "api", 100)
	require.NoError(t, err)
	assert.Equal(t, "line\n> ", out)

	require.NoError(t, tm.Kill(ctx, "api"))

	assert.Equal(t, [][]string{
		{"new-session", "-d", "-s", "cbos-api", "-c", "/src/api", "claude"},
		{"send-keys", "-t", "cbos-api", "-l", "run the tests"},
		{"send-keys", "-t", "cbos-api", "Enter"},
		{"send-keys", "-t", "cbos-api", "C-c"},
		{"has-session", "-t", "cbos-api"},
		{"capture-pane", "-p", "-J", "-t", "cbos-api", "-S", "-100"},
		{"kill-session", "-t", "cbos-api"},
	}, runner.recorded())
}

func TestTmux_MissingSession(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"has-session":  ErrNoSession,
		"kill-session": ErrNoSession,
		"capture-pane": ErrNoSession,
	}}
	tm := NewTmux(runner)
	ctx := context.Background()

	assert.False(t, tm.Exists(ctx, "gone"))
	assert.NoError(t, tm.Kill(ctx, "gone"))
	_, err := tm.Capture(ctx, "gone", 10)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTmux_LaunchFailure(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"new-session": errors.New("duplicate session")}}
	err := NewTmux(runner).Launch(context.Background(), "api", "/tmp", "")
	assert.ErrorContains(t, err, "launching api")
}

type fakeCapturer struct {
	mu      sync.Mutex
	screens map[string]string
	calls   map[string]int
}

func (f *fakeCapturer) set(slug, screen string) {
	f.mu.Lock()
	f.screens[slug] = screen
	f.mu.Unlock()
}

func (f *fakeCapturer) Capture(_ context.Context, slug string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[slug]++
	screen, ok := f.screens[slug]
	if !ok {
		return "", ErrNoSession
	}
	return screen, nil
}

type waitCall struct {
	slug    string
	context string
}

type fakeWaiter struct {
	mu    sync.Mutex
	calls []waitCall
}

func (f *fakeWaiter) SessionWaiting(slug, lastContext string) error {
	f.mu.Lock()
	f.calls = append(f.calls, waitCall{slug, lastContext})
	f.mu.Unlock()
	return nil
}

type pollerHarness struct {
	reg      *session.Registry
	capturer *fakeCapturer
	waiter   *fakeWaiter
	rec      *notify.Recorder
	poller   *Poller
}

func newPollerHarness(t *testing.T) *pollerHarness {
	t.Helper()
	st, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := session.NewRegistry(st, 10, logger)
	require.NoError(t, err)

	h := &pollerHarness{
		reg:      reg,
		capturer: &fakeCapturer{screens: map[string]string{}, calls: map[string]int{}},
		waiter:   &fakeWaiter{},
		rec:      &notify.Recorder{},
	}
	h.poller = NewPoller(reg, h.capturer, h.waiter, h.rec, PollerOptions{
		Interval: 10 * time.Millisecond,
		Logger:   logger,
	})
	return h
}

func TestPoller_CommitsAfterTwoReadings(t *testing.T) {
	h := newPollerHarness(t)
	_, err := h.reg.Create("T", t.TempDir(), session.TransportTerminal)
	require.NoError(t, err)
	h.capturer.set("T", "Let me look\n  Bash(go test ./...)\n")

	ctx := context.Background()
	h.poller.Poll(ctx)
	sess, _ := h.reg.Get("T")
	assert.Equal(t, session.StateIdle, sess.State)
	assert.Empty(t, h.rec.All())

	h.poller.Poll(ctx)
	sess, _ = h.reg.Get("T")
	assert.Equal(t, session.StateWorking, sess.State)

	updates := h.rec.OfKind(notify.SessionUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, session.StateWorking, updates[0].Session.State)

	// A stable screen produces no further notifications.
	h.poller.Poll(ctx)
	assert.Len(t, h.rec.OfKind(notify.SessionUpdate), 1)
}

func TestPoller_WaitingGoesThroughWaiter(t *testing.T) {
	h := newPollerHarness(t)
	_, err := h.reg.Create("T", t.TempDir(), session.TransportTerminal)
	require.NoError(t, err)
	h.capturer.set("T", "I updated the handler.\nShall I run the tests?\n> ")

	h.poller.Poll(context.Background())
	h.poller.Poll(context.Background())

	require.Len(t, h.waiter.calls, 1)
	assert.Equal(t, "T", h.waiter.calls[0].slug)
	assert.Equal(t, "I updated the handler.\nShall I run the tests?", h.waiter.calls[0].context)
}

func TestPoller_FlickerIsIgnored(t *testing.T) {
	h := newPollerHarness(t)
	_, err := h.reg.Create("T", t.TempDir(), session.TransportTerminal)
	require.NoError(t, err)

	ctx := context.Background()
	for _, screen := range []string{"Bash(ls)", "● Pondering…", "Bash(ls)", "● Pondering…"} {
		h.capturer.set("T", screen)
		h.poller.Poll(ctx)
	}
	sess, _ := h.reg.Get("T")
	assert.Equal(t, session.StateIdle, sess.State)
	assert.Empty(t, h.rec.All())
}

func TestPoller_SkipsStreamSessionsAndCaptureErrors(t *testing.T) {
	h := newPollerHarness(t)
	_, err := h.reg.Create("S", t.TempDir(), session.TransportStream)
	require.NoError(t, err)
	_, err = h.reg.Create("gone", t.TempDir(), session.TransportTerminal)
	require.NoError(t, err)

	h.poller.Poll(context.Background())
	h.poller.Poll(context.Background())

	assert.Zero(t, h.capturer.calls["S"])
	assert.Equal(t, 2, h.capturer.calls["gone"])
	assert.Empty(t, h.rec.All())
}

func TestPoller_ForgetResetsReadings(t *testing.T) {
	h := newPollerHarness(t)
	_, err := h.reg.Create("T", t.TempDir(), session.TransportTerminal)
	require.NoError(t, err)
	h.capturer.set("T", "Bash(ls)")

	ctx := context.Background()
	h.poller.Poll(ctx)
	h.poller.Forget("T")
	h.poller.Poll(ctx)

	sess, _ := h.reg.Get("T")
	assert.Equal(t, session.StateIdle, sess.State)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	h := newPollerHarness(t)
	_, err := h.reg.Create("T", t.TempDir(), session.TransportTerminal)
	require.NoError(t, err)
	h.capturer.set("T", "Bash(ls)")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		sess, _ := h.reg.Get("T")
		return sess.State == session.StateWorking
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
