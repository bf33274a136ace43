// Package supervisor owns the agent processes: at most one live invocation
// per session, with its output classified line by line as it arrives.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"cbos/internal/event"
	"cbos/internal/notify"
	"cbos/internal/session"
	"cbos/internal/state"
	"cbos/internal/stream"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultGracePeriod = 5 * time.Second
	readChunkSize      = 32 * 1024
)

var (
	ErrAlreadyRunning = errors.New("invocation already running")
	ErrSpawnFailure   = errors.New("agent failed to start")
	ErrProcessError   = errors.New("agent process failed")
)

// Sessions is the slice of the session registry the supervisor writes to.
type Sessions interface {
	Get(slug string) (session.Session, error)
	SetState(slug string, s session.State) (session.Session, bool, error)
	SetResumeToken(slug, token string) (bool, error)
	AppendEvent(slug string, ev event.Event) (session.Session, error)
	SetLastContext(slug, context string) (session.Session, error)
}

// Options tune a Supervisor.
type Options struct {
	GracePeriod time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Supervisor enforces single-flight invocations per slug and relays their
// output into events, state, and notifications.
type Supervisor struct {
	mu          sync.Mutex
	invocations map[string]*invocation

	sessions Sessions
	spawner  Spawner
	notifier notify.Notifier
	logger   *slog.Logger
	grace    time.Duration
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type invocation struct {
	id       string
	slug     string
	process  Process
	cancel   context.CancelFunc
	stopping bool
	done     chan struct{}
}

// New creates a Supervisor.
func New(sessions Sessions, spawner Spawner, notifier notify.Notifier, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = notify.Discard
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		invocations: make(map[string]*invocation),
		sessions:    sessions,
		spawner:     spawner,
		notifier:    notifier,
		logger:      opts.Logger,
		grace:       opts.GracePeriod,
		now:         opts.Now,
		baseCtx:     ctx,
		stop:        stop,
	}
}

// Invoke starts the agent for slug with prompt, resuming the session's
// previous conversation when it has a resume token.
func (s *Supervisor) Invoke(ctx context.Context, slug, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := s.sessions.Get(slug)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, running := s.invocations[slug]; running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, slug)
	}

	procCtx, cancel := context.WithCancel(s.baseCtx)
	process, stdout, err := s.spawner.Spawn(procCtx, Spec{
		Slug:        slug,
		Dir:         sess.Path,
		Prompt:      prompt,
		ResumeToken: sess.ResumeToken,
	})
	if err != nil {
		s.mu.Unlock()
		cancel()
		s.spawnFailed(slug, err)
		return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	inv := &invocation{
		id:      uuid.NewString(),
		slug:    slug,
		process: process,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.invocations[slug] = inv
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("invocation started",
		slog.String("slug", slug),
		slog.String("invocation", inv.id),
		slog.Bool("resume", sess.ResumeToken != ""))

	s.setState(slug, session.StateWorking)
	go s.pump(inv, stdout)
	return nil
}

// Interrupt asks the running process for slug to stop. It returns false
// when nothing is running or a stop was already requested.
func (s *Supervisor) Interrupt(slug string) bool {
	inv, ok := s.beginStop(slug)
	if !ok {
		return false
	}
	s.signal(inv)
	return true
}

// Terminate stops whatever runs for slug and waits for it to exit. It
// reports whether a process was running.
func (s *Supervisor) Terminate(slug string) bool {
	s.mu.Lock()
	inv, ok := s.invocations[slug]
	if ok && !inv.stopping {
		inv.stopping = true
		s.mu.Unlock()
		s.signal(inv)
	} else {
		s.mu.Unlock()
	}
	if !ok {
		return false
	}

	select {
	case <-inv.done:
	case <-time.After(s.grace + time.Second):
		s.logger.Warn("process did not exit after kill", slog.String("slug", slug))
	}
	return true
}

// Running reports whether an invocation is live for slug.
func (s *Supervisor) Running(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.invocations[slug]
	return ok
}

// SessionWaiting marks slug as waiting for operator input and records the
// context the agent left on screen. It is shared by the structured
// classifier, the terminal poller, and the out-of-band notification log.
func (s *Supervisor) SessionWaiting(slug, lastContext string) error {
	before, err := s.sessions.Get(slug)
	if err != nil {
		return err
	}

	if lastContext != "" {
		if _, err := s.sessions.SetLastContext(slug, lastContext); err != nil {
			return err
		}
	}
	sess, changed, err := s.sessions.SetState(slug, session.StateWaiting)
	if err != nil {
		return err
	}

	if changed {
		s.notifier.Notify(notify.Notification{Kind: notify.SessionUpdate, Slug: slug, Session: &sess})
	}
	if changed || (lastContext != "" && lastContext != before.LastContext) {
		if lastContext == "" {
			lastContext = sess.LastContext
		}
		s.notifier.Notify(notify.Notification{Kind: notify.Waiting, Slug: slug, Context: lastContext})
		s.logger.Info("session waiting for input", slog.String("slug", slug))
	}
	return nil
}

// Shutdown stops every running invocation and waits for their output to
// drain, or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	slugs := make([]string, 0, len(s.invocations))
	for slug := range s.invocations {
		slugs = append(slugs, slug)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, slug := range slugs {
		g.Go(func() error {
			s.Terminate(slug)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	}
}

func (s *Supervisor) beginStop(slug string) (*invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[slug]
	if !ok || inv.stopping {
		return nil, false
	}
	inv.stopping = true
	return inv, true
}

// signal sends SIGTERM and escalates to SIGKILL once the grace period
// passes without an exit.
func (s *Supervisor) signal(inv *invocation) {
	if err := inv.process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("terminate signal failed", slog.String("slug", inv.slug), slog.Any("error", err))
	}
	go func() {
		select {
		case <-inv.done:
		case <-time.After(s.grace):
			s.logger.Warn("process ignored SIGTERM, killing", slog.String("slug", inv.slug))
			inv.process.Signal(os.Kill)
			inv.cancel()
		}
	}()
}

// pump drains one invocation's stdout, classifying every completed line in
// arrival order, then waits for the process and settles the session.
func (s *Supervisor) pump(inv *invocation, stdout io.ReadCloser) {
	defer s.wg.Done()

	var (
		lines  stream.LineBuffer
		dedup  event.Deduper
		chunk  = make([]byte, readChunkSize)
		logger = s.logger.With(slog.String("slug", inv.slug), slog.String("invocation", inv.id))
	)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			for _, line := range lines.Feed(chunk[:n]) {
				s.handleLine(inv.slug, &dedup, line, logger)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn("stdout read error", slog.Any("error", err))
			}
			break
		}
	}
	if tail, ok := lines.Flush(); ok {
		s.handleLine(inv.slug, &dedup, tail, logger)
	}
	stdout.Close()

	s.finish(inv, inv.process.Wait(), logger)
}

func (s *Supervisor) handleLine(slug string, dedup *event.Deduper, line string, logger *slog.Logger) {
	ev := event.Classify(line, s.now())
	if ev == nil {
		return
	}
	if !dedup.Accept(ev) {
		logger.Debug("duplicate event suppressed", slog.String("category", string(ev.Category)))
		return
	}
	logger.Debug("event classified",
		slog.String("category", string(ev.Category)),
		slog.String("summary", ev.Summary))
	s.apply(slug, ev)
}

// apply records ev against slug and moves the session's state when the
// event implies one.
func (s *Supervisor) apply(slug string, ev *event.Event) {
	if ev.ResumeToken != "" {
		if _, err := s.sessions.SetResumeToken(slug, ev.ResumeToken); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("store resume token", slog.String("slug", slug), slog.Any("error", err))
		}
	}

	if _, err := s.sessions.AppendEvent(slug, *ev); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return
		}
		s.logger.Warn("append event", slog.String("slug", slug), slog.Any("error", err))
	}
	s.notifier.Notify(notify.Notification{Kind: notify.Event, Slug: slug, Event: ev})

	next, ok := state.FromEvent(ev)
	if !ok {
		return
	}
	if next == session.StateWaiting {
		if err := s.SessionWaiting(slug, waitingContext(ev)); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("mark waiting", slog.String("slug", slug), slog.Any("error", err))
		}
		return
	}
	s.setState(slug, next)
}

func (s *Supervisor) setState(slug string, next session.State) {
	sess, changed, err := s.sessions.SetState(slug, next)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("set state", slog.String("slug", slug), slog.Any("error", err))
		}
		return
	}
	if changed {
		s.notifier.Notify(notify.Notification{Kind: notify.SessionUpdate, Slug: slug, Session: &sess})
	}
}

func (s *Supervisor) finish(inv *invocation, waitErr error, logger *slog.Logger) {
	code := exitCode(waitErr)

	s.mu.Lock()
	stopped := inv.stopping
	s.mu.Unlock()

	switch {
	case code == 0:
		logger.Info("invocation finished")
		s.apply(inv.slug, s.exitEvent(code))
		s.setState(inv.slug, session.StateIdle)

	case stopped:
		logger.Info("invocation interrupted", slog.Int("code", code))
		s.apply(inv.slug, s.exitEvent(code))
		s.setState(inv.slug, session.StateIdle)

	default:
		err := fmt.Errorf("%w: %v", ErrProcessError, waitErr)
		logger.Warn("invocation failed", slog.Int("code", code), slog.Any("error", err))
		msg := fmt.Sprintf("Process exited with code %d", code)
		s.apply(inv.slug, &event.Event{
			Category:     event.CategoryError,
			Timestamp:    s.now(),
			Summary:      event.Truncate(msg, event.SummaryLimit),
			Details:      strings.TrimSpace(stderrOf(inv.process)),
			IsActionable: true,
			Priority:     event.PriorityCritical,
		})
	}

	s.mu.Lock()
	if s.invocations[inv.slug] == inv {
		delete(s.invocations, inv.slug)
	}
	s.mu.Unlock()
	inv.cancel()
	close(inv.done)
}

func (s *Supervisor) spawnFailed(slug string, cause error) {
	s.logger.Error("spawn failed", slog.String("slug", slug), slog.Any("error", cause))
	msg := "Failed to start agent: " + cause.Error()
	s.apply(slug, &event.Event{
		Category:     event.CategoryError,
		Timestamp:    s.now(),
		Summary:      event.Truncate(msg, event.SummaryLimit),
		Details:      msg,
		IsActionable: true,
		Priority:     event.PriorityCritical,
	})
}

func (s *Supervisor) exitEvent(code int) *event.Event {
	return &event.Event{
		Category:  event.CategorySystem,
		Timestamp: s.now(),
		Summary:   fmt.Sprintf("Process exited with code %d", code),
		Priority:  event.PriorityLow,
	}
}

func waitingContext(ev *event.Event) string {
	if ev.Details != "" {
		return ev.Details
	}
	return ev.Summary
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

func stderrOf(p Process) string {
	if withStderr, ok := p.(interface{ Stderr() string }); ok {
		return withStderr.Stderr()
	}
	return ""
}
