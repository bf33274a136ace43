package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one decoded structured output record. The set of
// implementations is closed: every line that decodes as a JSON object maps
// to exactly one of the types below, with UnknownRecord catching any type
// tag the classifier does not understand.
type Record interface {
	recordType() string
}

// SystemRecord is a {"type":"system"} record.
type SystemRecord struct {
	Subtype   string
	SessionID string
	Cwd       string
	Model     string
	// HasStatus is true when the record carries a "status" key at all;
	// Status then holds its raw JSON value (possibly the literal null).
	HasStatus bool
	Status    json.RawMessage
}

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AssistantRecord is a {"type":"assistant"} record.
type AssistantRecord struct {
	Blocks []ContentBlock
}

// UserRecord is a {"type":"user"} record. Content is either plain text or
// a list of blocks.
type UserRecord struct {
	Text   string
	Blocks []ContentBlock
}

// ResultRecord is the {"type":"result"} record closing a turn.
type ResultRecord struct {
	Subtype    string
	IsError    bool
	Result     string
	SessionID  string
	DurationMs *int64
	Cost       *float64
}

// ErrorRecord is a {"type":"error"} record.
type ErrorRecord struct {
	Message string
}

// UnknownRecord is any object whose type tag is not recognised.
type UnknownRecord struct {
	Type string
	Raw  string
}

func (SystemRecord) recordType() string    { return "system" }
func (AssistantRecord) recordType() string { return "assistant" }
func (UserRecord) recordType() string      { return "user" }
func (ResultRecord) recordType() string    { return "result" }
func (ErrorRecord) recordType() string     { return "error" }
func (r UnknownRecord) recordType() string { return r.Type }

// ParseRecord decodes one line of structured output. It fails only when the
// line is not a JSON object; the caller then treats it as terminal text.
func ParseRecord(line []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("parsing record: not an object")
	}

	recordType := stringField(fields, "type")
	switch recordType {
	case "system":
		return parseSystem(fields), nil
	case "assistant":
		return AssistantRecord{Blocks: messageBlocks(fields)}, nil
	case "user":
		return parseUser(fields), nil
	case "result":
		return parseResult(fields), nil
	case "error":
		return ErrorRecord{Message: errorMessage(fields)}, nil
	default:
		return UnknownRecord{Type: recordType, Raw: string(bytes.TrimSpace(line))}, nil
	}
}

func parseSystem(fields map[string]json.RawMessage) SystemRecord {
	record := SystemRecord{
		Subtype:   stringField(fields, "subtype"),
		SessionID: stringField(fields, "session_id"),
		Cwd:       stringField(fields, "cwd"),
		Model:     stringField(fields, "model"),
	}
	if raw, ok := fields["status"]; ok {
		record.HasStatus = true
		record.Status = raw
	}
	return record
}

func parseUser(fields map[string]json.RawMessage) UserRecord {
	content := messageContent(fields)
	var text string
	if json.Unmarshal(content, &text) == nil {
		return UserRecord{Text: text}
	}
	var blocks []ContentBlock
	json.Unmarshal(content, &blocks)
	return UserRecord{Blocks: blocks}
}

func parseResult(fields map[string]json.RawMessage) ResultRecord {
	var payload struct {
		Subtype      string   `json:"subtype"`
		IsError      bool     `json:"is_error"`
		Result       string   `json:"result"`
		SessionID    string   `json:"session_id"`
		DurationMs   *float64 `json:"duration_ms"`
		TotalCostUSD *float64 `json:"total_cost_usd"`
		CostUSD      *float64 `json:"cost_usd"`
	}
	remarshal(fields, &payload)

	record := ResultRecord{
		Subtype:   payload.Subtype,
		IsError:   payload.IsError,
		Result:    payload.Result,
		SessionID: payload.SessionID,
		Cost:      payload.TotalCostUSD,
	}
	if record.Cost == nil {
		record.Cost = payload.CostUSD
	}
	if payload.DurationMs != nil {
		ms := int64(*payload.DurationMs)
		record.DurationMs = &ms
	}
	return record
}

// messageContent returns the raw "content" of the record's "message".
func messageContent(fields map[string]json.RawMessage) json.RawMessage {
	var message struct {
		Content json.RawMessage `json:"content"`
	}
	if raw, ok := fields["message"]; ok {
		json.Unmarshal(raw, &message)
	}
	return message.Content
}

// messageBlocks decodes the message content, accepting a bare string as a
// single text block.
func messageBlocks(fields map[string]json.RawMessage) []ContentBlock {
	content := messageContent(fields)
	var text string
	if json.Unmarshal(content, &text) == nil {
		if text == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: text}}
	}
	var blocks []ContentBlock
	json.Unmarshal(content, &blocks)
	return blocks
}

func errorMessage(fields map[string]json.RawMessage) string {
	if message := stringField(fields, "message"); message != "" {
		return message
	}
	raw, ok := fields["error"]
	if !ok {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var nested struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	json.Unmarshal(raw, &nested)
	if nested.Message != "" {
		return nested.Message
	}
	return nested.Type
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var value string
	if json.Unmarshal(raw, &value) != nil {
		return ""
	}
	return value
}

func remarshal(fields map[string]json.RawMessage, target any) {
	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	json.Unmarshal(data, target)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
