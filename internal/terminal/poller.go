package terminal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cbos/internal/notify"
	"cbos/internal/session"
	"cbos/internal/state"

	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultCaptureLines = 100
	captureConcurrency  = 4
)

// Capturer reads the visible output of a terminal session.
type Capturer interface {
	Capture(ctx context.Context, slug string, lines int) (string, error)
}

// Sessions is what the poller needs from the registry.
type Sessions interface {
	List() []session.Session
	SetState(slug string, s session.State) (session.Session, bool, error)
}

// Waiter takes sessions into the waiting state.
type Waiter interface {
	SessionWaiting(slug, lastContext string) error
}

// PollerOptions tune a Poller.
type PollerOptions struct {
	Interval     time.Duration
	CaptureLines int
	Logger       *slog.Logger
}

// Poller periodically captures every terminal session and commits the state
// its screen suggests once the reading is stable.
type Poller struct {
	sessions Sessions
	capturer Capturer
	waiter   Waiter
	notifier notify.Notifier
	hyst     *state.Hysteresis

	interval time.Duration
	lines    int
	logger   *slog.Logger
}

func NewPoller(sessions Sessions, capturer Capturer, waiter Waiter, notifier notify.Notifier, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = defaultCaptureLines
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Poller{
		sessions: sessions,
		capturer: capturer,
		waiter:   waiter,
		notifier: notifier,
		hyst:     state.NewHysteresis(),
		interval: opts.Interval,
		lines:    opts.CaptureLines,
		logger:   opts.Logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Forget drops the pending readings for slug.
func (p *Poller) Forget(slug string) {
	p.hyst.Forget(slug)
}

type reading struct {
	sess    session.Session
	raw     session.State
	context string
	ok      bool
}

// Poll captures every terminal session once and commits any stable change.
func (p *Poller) Poll(ctx context.Context) {
	var targets []session.Session
	for _, sess := range p.sessions.List() {
		if sess.Transport == session.TransportTerminal {
			targets = append(targets, sess)
		}
	}
	if len(targets) == 0 {
		return
	}

	readings := make([]reading, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(captureConcurrency)
	for i, sess := range targets {
		g.Go(func() error {
			buf, err := p.capturer.Capture(gctx, sess.Slug, p.lines)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Debug("capture failed", slog.String("slug", sess.Slug), slog.Any("error", err))
				}
				return nil
			}
			raw, lastContext := state.Detect(buf)
			readings[i] = reading{sess: sess, raw: raw, context: lastContext, ok: true}
			return nil
		})
	}
	g.Wait()

	for _, r := range readings {
		if r.ok {
			p.commit(r)
		}
	}
}

func (p *Poller) commit(r reading) {
	slug := r.sess.Slug
	next := p.hyst.Observe(slug, r.raw, r.sess.State)
	if next == r.sess.State {
		return
	}

	p.logger.Debug("terminal state change",
		slog.String("slug", slug),
		slog.String("from", string(r.sess.State)),
		slog.String("to", string(next)))

	if next == session.StateWaiting {
		if err := p.waiter.SessionWaiting(slug, r.context); err != nil && !errors.Is(err, session.ErrNotFound) {
			p.logger.Warn("mark waiting", slog.String("slug", slug), slog.Any("error", err))
		}
		return
	}

	sess, changed, err := p.sessions.SetState(slug, next)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			p.logger.Warn("set state", slog.String("slug", slug), slog.Any("error", err))
		}
		return
	}
	if changed {
		p.notifier.Notify(notify.Notification{Kind: notify.SessionUpdate, Slug: slug, Session: &sess})
	}
}
