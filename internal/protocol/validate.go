package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"cbos/internal/session"
	"cbos/internal/supervisor"
	"cbos/internal/terminal"
)

// Error codes.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeAlreadyRunning = "ALREADY_RUNNING"
	CodeSpawnFailed    = "SPAWN_FAILED"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrRateLimited    = errors.New("too many messages, slow down")
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSubscribe:     true,
	TypeUnsubscribe:   true,
	TypeCreateSession: true,
	TypeDeleteSession: true,
	TypeSendInput:     true,
	TypeInterrupt:     true,
	TypeListSessions:  true,
	TypeGetEvents:     true,
}

// ValidateClientMessage parses a raw JSON message from a client and checks
// the fields its type requires. Errors wrap ErrInvalidMessage.
func ValidateClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidMessage, err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing 'type' field", ErrInvalidMessage)
	}
	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("%w: unknown message type: %s", ErrInvalidMessage, msg.Type)
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if msg.Sessions == nil {
			return nil, missing(msg.Type, "sessions")
		}
		for _, slug := range msg.Sessions {
			if slug == "" {
				return nil, fmt.Errorf("%w: empty slug in %s", ErrInvalidMessage, msg.Type)
			}
		}

	case TypeCreateSession:
		if msg.Slug == "" {
			return nil, missing(msg.Type, "slug")
		}
		if msg.Path == "" {
			return nil, missing(msg.Type, "path")
		}

	case TypeSendInput:
		if msg.Slug == "" {
			return nil, missing(msg.Type, "slug")
		}
		if msg.Text == "" {
			return nil, missing(msg.Type, "text")
		}

	case TypeDeleteSession, TypeInterrupt:
		if msg.Slug == "" {
			return nil, missing(msg.Type, "slug")
		}

	case TypeGetEvents:
		if msg.Slug == "" {
			return nil, missing(msg.Type, "slug")
		}
		if msg.Limit < 0 {
			return nil, fmt.Errorf("%w: negative limit in %s", ErrInvalidMessage, msg.Type)
		}
	}

	return &msg, nil
}

func missing(msgType, field string) error {
	return fmt.Errorf("%w: missing required field '%s' in %s", ErrInvalidMessage, field, msgType)
}

// ErrorCode maps a command failure to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, terminal.ErrNoSession):
		return CodeNotFound
	case errors.Is(err, session.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, supervisor.ErrSpawnFailure):
		return CodeSpawnFailed
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, session.ErrInvalidSlug),
		errors.Is(err, session.ErrInvalidPath),
		errors.Is(err, session.ErrInvalidTransport):
		return CodeInvalidMessage
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	}
	return CodeInternal
}
