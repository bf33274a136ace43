// Package notify defines the typed notifications the orchestration core
// pushes to observers.
package notify

import (
	"sync"

	"cbos/internal/event"
	"cbos/internal/session"
)

// Kind tags a Notification.
type Kind int

const (
	// SessionUpdate carries a session whose state or counters changed.
	SessionUpdate Kind = iota + 1
	// Event carries one classified event for a slug.
	Event
	// Waiting announces that a session is waiting for operator input.
	Waiting
	// Created announces a new session to every observer.
	Created
	// Deleted announces a removed session to every observer.
	Deleted
)

func (k Kind) String() string {
	switch k {
	case SessionUpdate:
		return "session_update"
	case Event:
		return "event"
	case Waiting:
		return "waiting"
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Notification is one message for observers. Which fields are set depends
// on Kind.
type Notification struct {
	Kind    Kind
	Slug    string
	Session *session.Session
	Event   *event.Event
	Context string
}

// Global reports whether the notification goes to every observer
// regardless of subscription.
func (n Notification) Global() bool {
	return n.Kind == Created || n.Kind == Deleted
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

// Recorder keeps every notification it receives, in order.
type Recorder struct {
	mu   sync.Mutex
	list []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.list = append(r.list, n)
	r.mu.Unlock()
}

// All returns a copy of what has been recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.list...)
}

// OfKind returns the recorded notifications with the given kind.
func (r *Recorder) OfKind(k Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notification
	for _, n := range r.list {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}
