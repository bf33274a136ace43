package session

import (
	"time"

	"cbos/internal/event"
)

// State represents the externally visible state of a session.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateWorking  State = "working"
	StateWaiting  State = "waiting"
	StateError    State = "error"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateThinking, StateWorking, StateWaiting, StateError:
		return true
	}
	return false
}

// Transport selects how a session's agent is driven and which state channel
// applies to it.
type Transport string

const (
	// TransportStream spawns the agent per prompt and reads structured output.
	TransportStream Transport = "stream"
	// TransportTerminal runs the agent inside a terminal multiplexer pane and
	// derives state from screen captures.
	TransportTerminal Transport = "terminal"
)

// Session holds the durable metadata for one agent context.
type Session struct {
	Slug         string        `json:"slug"`
	Path         string        `json:"path"`
	Transport    Transport     `json:"transport"`
	State        State         `json:"state"`
	ResumeToken  string        `json:"resumeToken,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	MessageCount int           `json:"messageCount"`
	LastContext  string        `json:"lastContext,omitempty"`
	Events       []event.Event `json:"events,omitempty"`
}
