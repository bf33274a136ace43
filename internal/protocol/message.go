// Package protocol defines the JSON messages exchanged with observers. Every
// message is a flat object tagged by its "type" field.
package protocol

import (
	"encoding/json"
	"fmt"

	"cbos/internal/event"
	"cbos/internal/session"
)

// Wildcard in a subscription list selects every session.
const Wildcard = "*"

// Client → Server message types.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeCreateSession = "create_session"
	TypeDeleteSession = "delete_session"
	TypeSendInput     = "send_input"
	TypeInterrupt     = "interrupt"
	TypeListSessions  = "list_sessions"
	TypeGetEvents     = "get_events"
)

// Server → Client message types.
const (
	TypeSessions        = "sessions"
	TypeSessionCreated  = "session_created"
	TypeSessionDeleted  = "session_deleted"
	TypeSessionUpdate   = "session_update"
	TypeSessionWaiting  = "session_waiting"
	TypeFormattedEvent  = "formatted_event"
	TypeError           = "error"
	TypeSubscribed      = "subscribed"
	TypeSendResult      = "send_result"
	TypeInterruptResult = "interrupt_result"
	TypeEvents          = "events"
)

// ClientMessage is any command an observer sends. Fields a type does not
// use stay zero.
type ClientMessage struct {
	Type      string   `json:"type"`
	Sessions  []string `json:"sessions,omitempty"`
	Slug      string   `json:"slug,omitempty"`
	Path      string   `json:"path,omitempty"`
	Transport string   `json:"transport,omitempty"`
	Text      string   `json:"text,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Category  string   `json:"category,omitempty"`
}

// Server → Client messages.

type SessionsMessage struct {
	Type     string            `json:"type"`
	Sessions []session.Session `json:"sessions"`
}

type SessionMessage struct {
	Type    string          `json:"type"`
	Session session.Session `json:"session"`
}

type SessionDeletedMessage struct {
	Type string `json:"type"`
	Slug string `json:"slug"`
}

type SessionWaitingMessage struct {
	Type    string `json:"type"`
	Slug    string `json:"slug"`
	Context string `json:"context"`
}

type FormattedEventMessage struct {
	Type  string      `json:"type"`
	Slug  string      `json:"slug"`
	Event event.Event `json:"event"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type SubscribedMessage struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions"`
}

type SendResultMessage struct {
	Type    string `json:"type"`
	Slug    string `json:"slug"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type InterruptResultMessage struct {
	Type    string `json:"type"`
	Slug    string `json:"slug"`
	Success bool   `json:"success"`
}

type EventsMessage struct {
	Type   string        `json:"type"`
	Slug   string        `json:"slug"`
	Events []event.Event `json:"events"`
}

func NewSessions(list []session.Session) SessionsMessage {
	if list == nil {
		list = []session.Session{}
	}
	return SessionsMessage{Type: TypeSessions, Sessions: list}
}

func NewSessionCreated(sess session.Session) SessionMessage {
	return SessionMessage{Type: TypeSessionCreated, Session: sess}
}

func NewSessionUpdate(sess session.Session) SessionMessage {
	return SessionMessage{Type: TypeSessionUpdate, Session: sess}
}

func NewSessionDeleted(slug string) SessionDeletedMessage {
	return SessionDeletedMessage{Type: TypeSessionDeleted, Slug: slug}
}

func NewSessionWaiting(slug, context string) SessionWaitingMessage {
	return SessionWaitingMessage{Type: TypeSessionWaiting, Slug: slug, Context: context}
}

func NewFormattedEvent(slug string, ev event.Event) FormattedEventMessage {
	return FormattedEventMessage{Type: TypeFormattedEvent, Slug: slug, Event: ev}
}

// NewError builds an error reply whose code is derived from err.
func NewError(err error) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: err.Error(), Code: ErrorCode(err)}
}

func NewSubscribed(sessions []string) SubscribedMessage {
	if sessions == nil {
		sessions = []string{}
	}
	return SubscribedMessage{Type: TypeSubscribed, Sessions: sessions}
}

func NewSendResult(slug string, err error) SendResultMessage {
	msg := SendResultMessage{Type: TypeSendResult, Slug: slug, Success: err == nil}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func NewInterruptResult(slug string, ok bool) InterruptResultMessage {
	return InterruptResultMessage{Type: TypeInterruptResult, Slug: slug, Success: ok}
}

func NewEvents(slug string, events []event.Event) EventsMessage {
	if events == nil {
		events = []event.Event{}
	}
	return EventsMessage{Type: TypeEvents, Slug: slug, Events: events}
}

// Encode serializes a server message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}
