package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"cbos/internal/event"
	"cbos/internal/session"
	"cbos/internal/supervisor"
	"cbos/internal/terminal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateClientMessage_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientMessage
	}{
		{"subscribe", `{"type":"subscribe","sessions":["A","B"]}`,
			ClientMessage{Type: TypeSubscribe, Sessions: []string{"A", "B"}}},
		{"subscribe wildcard", `{"type":"subscribe","sessions":["*"]}`,
			ClientMessage{Type: TypeSubscribe, Sessions: []string{"*"}}},
		{"subscribe empty", `{"type":"subscribe","sessions":[]}`,
			ClientMessage{Type: TypeSubscribe, Sessions: []string{}}},
		{"unsubscribe", `{"type":"unsubscribe","sessions":["A"]}`,
			ClientMessage{Type: TypeUnsubscribe, Sessions: []string{"A"}}},
		{"create", `{"type":"create_session","slug":"api","path":"/src/api"}`,
			ClientMessage{Type: TypeCreateSession, Slug: "api", Path: "/src/api"}},
		{"create terminal", `{"type":"create_session","slug":"api","path":"/src/api","transport":"terminal"}`,
			ClientMessage{Type: TypeCreateSession, Slug: "api", Path: "/src/api", Transport: "terminal"}},
		{"delete", `{"type":"delete_session","slug":"api"}`,
			ClientMessage{Type: TypeDeleteSession, Slug: "api"}},
		{"send", `{"type":"send_input","slug":"api","text":"run tests"}`,
			ClientMessage{Type: TypeSendInput, Slug: "api", Text: "run tests"}},
		{"interrupt", `{"type":"interrupt","slug":"api"}`,
			ClientMessage{Type: TypeInterrupt, Slug: "api"}},
		{"list", `{"type":"list_sessions"}`,
			ClientMessage{Type: TypeListSessions}},
		{"events", `{"type":"get_events","slug":"api","limit":20}`,
			ClientMessage{Type: TypeGetEvents, Slug: "api", Limit: 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *msg)
		})
	}
}

func TestValidateClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{"not json", `not json`, "invalid JSON"},
		{"missing type", `{"slug":"api"}`, "missing 'type'"},
		{"unknown type", `{"type":"session.create"}`, "unknown message type"},
		{"server type", `{"type":"formatted_event"}`, "unknown message type"},
		{"subscribe without sessions", `{"type":"subscribe"}`, "'sessions'"},
		{"subscribe empty slug", `{"type":"subscribe","sessions":[""]}`, "empty slug"},
		{"create without slug", `{"type":"create_session","path":"/p"}`, "'slug'"},
		{"create without path", `{"type":"create_session","slug":"x"}`, "'path'"},
		{"send without text", `{"type":"send_input","slug":"x"}`, "'text'"},
		{"send without slug", `{"type":"send_input","text":"hi"}`, "'slug'"},
		{"delete without slug", `{"type":"delete_session"}`, "'slug'"},
		{"interrupt without slug", `{"type":"interrupt"}`, "'slug'"},
		{"negative limit", `{"type":"get_events","slug":"x","limit":-1}`, "negative limit"},
		{"wrong field type", `{"type":"send_input","slug":42,"text":"hi"}`, "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateClientMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidMessage)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, CodeInvalidMessage, ErrorCode(err))
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("get: %w", session.ErrNotFound), CodeNotFound},
		{terminal.ErrNoSession, CodeNotFound},
		{fmt.Errorf("%w: api", session.ErrAlreadyExists), CodeAlreadyExists},
		{fmt.Errorf("%w: api", supervisor.ErrAlreadyRunning), CodeAlreadyRunning},
		{fmt.Errorf("%w: no binary", supervisor.ErrSpawnFailure), CodeSpawnFailed},
		{session.ErrInvalidSlug, CodeInvalidMessage},
		{session.ErrInvalidPath, CodeInvalidMessage},
		{ErrRateLimited, CodeRateLimited},
		{errors.New("disk full"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestServerMessagesAreFlat(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(NewFormattedEvent("api", event.Event{
		Category:  event.CategoryText,
		Timestamp: ts,
		Summary:   "Hello",
		Priority:  event.PriorityNormal,
	}))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "formatted_event", decoded["type"])
	assert.Equal(t, "api", decoded["slug"])
	ev := decoded["event"].(map[string]any)
	assert.Equal(t, "text", ev["category"])
	assert.Equal(t, "Hello", ev["summary"])
}

func TestNilListsEncodeAsArrays(t *testing.T) {
	data, err := Encode(NewSessions(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sessions","sessions":[]}`, string(data))

	data, err = Encode(NewSubscribed(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribed","sessions":[]}`, string(data))

	data, err = Encode(NewEvents("api", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"events","slug":"api","events":[]}`, string(data))
}

func TestNewErrorAndResults(t *testing.T) {
	msg := NewError(fmt.Errorf("%w: ghost", session.ErrNotFound))
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeNotFound, msg.Code)
	assert.Contains(t, msg.Message, "ghost")

	ok := NewSendResult("api", nil)
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Error)

	failed := NewSendResult("api", supervisor.ErrAlreadyRunning)
	assert.False(t, failed.Success)
	assert.Equal(t, supervisor.ErrAlreadyRunning.Error(), failed.Error)
}
