package session

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"cbos/internal/event"
)

// DefaultEventCapacity bounds each session's event log.
const DefaultEventCapacity = 100

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Store persists the complete set of sessions. Save receives the full
// snapshot every time and must replace what was stored before.
type Store interface {
	Load() ([]Session, error)
	Save(sessions []Session) error
	Close() error
}

// ProcessTerminator stops whatever is running for a slug. Delete calls it
// before the record goes away.
type ProcessTerminator interface {
	Terminate(slug string) bool
}

// Registry owns every Session record. All writes go through one mutex and
// are persisted before the call returns.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	store    Store
	capacity int
	logger   *slog.Logger
	term     ProcessTerminator
	now      func() time.Time
}

type entry struct {
	session Session // Events is always nil here; log holds them.
	log     *EventLog
}

// NewRegistry loads the stored sessions and returns a Registry backed by
// store. Loaded sessions start idle since no process survives a restart.
func NewRegistry(store Store, capacity int, logger *slog.Logger) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		sessions: make(map[string]*entry),
		store:    store,
		capacity: capacity,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, sess := range loaded {
		if !slugPattern.MatchString(sess.Slug) {
			logger.Warn("skipping stored session with invalid slug", slog.String("slug", sess.Slug))
			continue
		}
		if sess.Transport == "" {
			sess.Transport = TransportStream
		}
		sess.State = StateIdle

		log := NewEventLog(capacity)
		for _, ev := range sess.Events {
			log.Write(ev)
		}
		sess.Events = nil
		r.sessions[sess.Slug] = &entry{session: sess, log: log}
	}
	logger.Info("session registry loaded", slog.Int("sessions", len(r.sessions)))
	return r, nil
}

// BindTerminator sets the component Delete asks to stop running processes.
func (r *Registry) BindTerminator(t ProcessTerminator) {
	r.mu.Lock()
	r.term = t
	r.mu.Unlock()
}

// Create registers a new idle session.
func (r *Registry) Create(slug, path string, transport Transport) (Session, error) {
	if !slugPattern.MatchString(slug) {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	if !info.IsDir() {
		return Session{}, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	switch transport {
	case "":
		transport = TransportStream
	case TransportStream, TransportTerminal:
	default:
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidTransport, transport)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[slug]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyExists, slug)
	}

	now := r.now()
	e := &entry{
		session: Session{
			Slug:         slug,
			Path:         path,
			Transport:    transport,
			State:        StateIdle,
			CreatedAt:    now,
			LastActivity: now,
		},
		log: NewEventLog(r.capacity),
	}
	r.sessions[slug] = e

	if err := r.persistLocked(); err != nil {
		delete(r.sessions, slug)
		return Session{}, err
	}
	r.logger.Info("session created",
		slog.String("slug", slug),
		slog.String("path", path),
		slog.String("transport", string(transport)))
	return e.session, nil
}

// Get returns a session without its event history.
func (r *Registry) Get(slug string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[slug]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return e.session, nil
}

// List returns every session sorted by slug, without event history.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		result = append(result, e.session)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result
}

// Delete terminates any running process for slug and removes the record.
func (r *Registry) Delete(slug string) error {
	r.mu.Lock()
	_, ok := r.sessions[slug]
	term := r.term
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}

	// The terminator reports exits back into the Registry, so it must run
	// without r.mu held.
	if term != nil && term.Terminate(slug) {
		r.logger.Info("terminated running process for deleted session", slog.String("slug", slug))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	delete(r.sessions, slug)
	if err := r.persistLocked(); err != nil {
		r.sessions[slug] = e
		return err
	}
	r.logger.Info("session deleted", slog.String("slug", slug))
	return nil
}

// FindByResumeToken maps an agent-issued resume token back to its slug.
func (r *Registry) FindByResumeToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for slug, e := range r.sessions {
		if e.session.ResumeToken == token {
			return slug, true
		}
	}
	return "", false
}

// SetState commits a new state. changed is false when the session was
// already in that state, in which case nothing is written.
func (r *Registry) SetState(slug string, state State) (sess Session, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[slug]
	if !ok {
		return Session{}, false, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	if e.session.State == state {
		return e.session, false, nil
	}

	prev := e.session.State
	e.session.State = state
	e.session.LastActivity = r.now()
	if err := r.persistLocked(); err != nil {
		return e.session, true, err
	}
	r.logger.Debug("session state changed",
		slog.String("slug", slug),
		slog.String("from", string(prev)),
		slog.String("to", string(state)))
	return e.session, true, nil
}

// SetResumeToken stores token unless one is already set. It reports
// whether the stored value changed.
func (r *Registry) SetResumeToken(slug, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[slug]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	if e.session.ResumeToken != "" {
		if e.session.ResumeToken != token {
			r.logger.Debug("ignoring new resume token",
				slog.String("slug", slug),
				slog.String("kept", e.session.ResumeToken))
		}
		return false, nil
	}

	e.session.ResumeToken = token
	if err := r.persistLocked(); err != nil {
		return true, err
	}
	r.logger.Info("resume token recorded", slog.String("slug", slug))
	return true, nil
}

// AppendEvent adds ev to the session's bounded log and bumps the message
// counter and activity time.
func (r *Registry) AppendEvent(slug string, ev event.Event) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[slug]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}

	e.log.Write(ev)
	e.session.MessageCount++
	e.session.LastActivity = r.now()
	if err := r.persistLocked(); err != nil {
		return e.session, err
	}
	return e.session, nil
}

// SetLastContext records the most recent substantive output.
func (r *Registry) SetLastContext(slug, context string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[slug]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	if e.session.LastContext == context {
		return e.session, nil
	}
	e.session.LastContext = context
	if err := r.persistLocked(); err != nil {
		return e.session, err
	}
	return e.session, nil
}

// Events returns up to limit recent events for slug, optionally filtered
// by category.
func (r *Registry) Events(slug string, limit int, category event.Category) ([]event.Event, error) {
	r.mu.Lock()
	e, ok := r.sessions[slug]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return e.log.Tail(limit, category), nil
}

// Counts returns how many sessions are in each state.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[State]int{
		StateIdle:     0,
		StateThinking: 0,
		StateWorking:  0,
		StateWaiting:  0,
		StateError:    0,
	}
	for _, e := range r.sessions {
		counts[e.session.State]++
	}
	return counts
}

// Snapshot returns every session including its event history.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Session {
	result := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sess := e.session
		sess.Events = e.log.ReadAll()
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result
}

func (r *Registry) persistLocked() error {
	if err := r.store.Save(r.snapshotLocked()); err != nil {
		r.logger.Error("persist sessions failed", slog.Any("error", err))
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}
