// Package orchestrator routes operator commands to the session registry and
// to whichever transport drives each session's agent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cbos/internal/event"
	"cbos/internal/notify"
	"cbos/internal/session"
	"cbos/internal/supervisor"
)

var ErrNoTerminal = errors.New("terminal transport not available")

// Registry is the session table.
type Registry interface {
	Create(slug, path string, transport session.Transport) (session.Session, error)
	Get(slug string) (session.Session, error)
	List() []session.Session
	Delete(slug string) error
	Events(slug string, limit int, category event.Category) ([]event.Event, error)
	Counts() map[session.State]int
}

// Invoker runs one agent turn per prompt for stream sessions.
type Invoker interface {
	Invoke(ctx context.Context, slug, prompt string) error
	Interrupt(slug string) bool
}

// Terminal drives agents that live in a terminal multiplexer.
type Terminal interface {
	Launch(ctx context.Context, slug, dir, command string) error
	SendKeys(ctx context.Context, slug, text string) error
	Interrupt(ctx context.Context, slug string) error
	Kill(ctx context.Context, slug string) error
}

// Forgetter drops per-session heuristic state.
type Forgetter interface {
	Forget(slug string)
}

type Options struct {
	// TerminalCommand is what a terminal session runs when it is created.
	TerminalCommand string
	Logger          *slog.Logger
}

// Service implements the operator commands.
type Service struct {
	registry Registry
	invoker  Invoker
	terminal Terminal
	poller   Forgetter
	notifier notify.Notifier

	terminalCommand string
	logger          *slog.Logger
}

// New creates a Service. terminal and poller may be nil when terminal
// sessions are not supported.
func New(registry Registry, invoker Invoker, terminal Terminal, poller Forgetter, notifier notify.Notifier, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Service{
		registry:        registry,
		invoker:         invoker,
		terminal:        terminal,
		poller:          poller,
		notifier:        notifier,
		terminalCommand: opts.TerminalCommand,
		logger:          opts.Logger,
	}
}

func (s *Service) List() []session.Session {
	return s.registry.List()
}

func (s *Service) Get(slug string) (session.Session, error) {
	return s.registry.Get(slug)
}

func (s *Service) Events(slug string, limit int, category event.Category) ([]event.Event, error) {
	return s.registry.Events(slug, limit, category)
}

func (s *Service) Counts() map[session.State]int {
	return s.registry.Counts()
}

// Create registers a session and, for terminal sessions, starts its agent.
func (s *Service) Create(ctx context.Context, slug, path string, transport session.Transport) (session.Session, error) {
	if transport == session.TransportTerminal && s.terminal == nil {
		return session.Session{}, ErrNoTerminal
	}

	sess, err := s.registry.Create(slug, path, transport)
	if err != nil {
		return session.Session{}, err
	}

	if sess.Transport == session.TransportTerminal {
		if err := s.terminal.Launch(ctx, slug, sess.Path, s.terminalCommand); err != nil {
			if delErr := s.registry.Delete(slug); delErr != nil {
				s.logger.Warn("rollback after launch failure", slog.String("slug", slug), slog.Any("error", delErr))
			}
			return session.Session{}, fmt.Errorf("%w: %v", supervisor.ErrSpawnFailure, err)
		}
	}

	s.logger.Info("session created",
		slog.String("slug", slug),
		slog.String("path", sess.Path),
		slog.String("transport", string(sess.Transport)))
	s.notifier.Notify(notify.Notification{Kind: notify.Created, Slug: slug, Session: &sess})
	return sess, nil
}

// Delete stops whatever runs for slug and removes the session.
func (s *Service) Delete(ctx context.Context, slug string) error {
	sess, err := s.registry.Get(slug)
	if err != nil {
		return err
	}

	// The registry terminates any running invocation before removing.
	if err := s.registry.Delete(slug); err != nil {
		return err
	}

	if sess.Transport == session.TransportTerminal && s.terminal != nil {
		if err := s.terminal.Kill(ctx, slug); err != nil {
			s.logger.Warn("kill terminal session", slog.String("slug", slug), slog.Any("error", err))
		}
	}
	if s.poller != nil {
		s.poller.Forget(slug)
	}

	s.logger.Info("session deleted", slog.String("slug", slug))
	s.notifier.Notify(notify.Notification{Kind: notify.Deleted, Slug: slug})
	return nil
}

// SendInput delivers operator text: a new agent turn for stream sessions,
// typed keys for terminal sessions.
func (s *Service) SendInput(ctx context.Context, slug, text string) error {
	sess, err := s.registry.Get(slug)
	if err != nil {
		return err
	}

	switch sess.Transport {
	case session.TransportTerminal:
		if s.terminal == nil {
			return ErrNoTerminal
		}
		return s.terminal.SendKeys(ctx, slug, text)
	default:
		return s.invoker.Invoke(ctx, slug, text)
	}
}

// Interrupt asks the running agent to stop. It reports false when there was
// nothing to interrupt.
func (s *Service) Interrupt(ctx context.Context, slug string) (bool, error) {
	sess, err := s.registry.Get(slug)
	if err != nil {
		return false, err
	}

	switch sess.Transport {
	case session.TransportTerminal:
		if s.terminal == nil {
			return false, ErrNoTerminal
		}
		if err := s.terminal.Interrupt(ctx, slug); err != nil {
			return false, err
		}
		return true, nil
	default:
		return s.invoker.Interrupt(slug), nil
	}
}
