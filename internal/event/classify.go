package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AskUserTool is the tool the agent calls when it needs an operator answer.
const AskUserTool = "AskUserQuestion"

var successSubtypes = map[string]bool{
	"success":  true,
	"end_turn": true,
}

// Classify turns one completed output line into an Event. It returns nil
// when the line carries nothing worth reporting.
func Classify(line string, now time.Time) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "{") {
		if record, err := ParseRecord([]byte(trimmed)); err == nil {
			return ClassifyRecord(record, now)
		}
	}

	text := CleanTerminalText(line)
	if text == "" {
		return nil
	}
	return &Event{
		Category:  CategoryText,
		Timestamp: now,
		Summary:   Truncate(text, SummaryLimit),
		Details:   text,
		Priority:  PriorityNormal,
	}
}

// ClassifyRecord dispatches on a decoded record.
func ClassifyRecord(record Record, now time.Time) *Event {
	switch r := record.(type) {
	case SystemRecord:
		return classifySystem(r, now)
	case AssistantRecord:
		return classifyAssistant(r, now)
	case UserRecord:
		return classifyUser(r, now)
	case ResultRecord:
		return classifyResult(r, now)
	case ErrorRecord:
		message := r.Message
		if message == "" {
			message = "Unknown error"
		}
		return &Event{
			Category:     CategoryError,
			Timestamp:    now,
			Summary:      Truncate(message, SummaryLimit),
			Details:      message,
			IsActionable: true,
			Priority:     PriorityCritical,
		}
	case UnknownRecord:
		return &Event{
			Category:  CategoryUnknown,
			Timestamp: now,
			Summary:   Truncate(fmt.Sprintf("[%s] %s", r.Type, r.Raw), SummaryLimit),
			Details:   r.Raw,
			Priority:  PriorityLow,
		}
	}
	return nil
}

func classifySystem(r SystemRecord, now time.Time) *Event {
	switch r.Subtype {
	case "init":
		summary := "Session started"
		if r.Model != "" {
			summary += " (" + r.Model + ")"
		}
		ev := &Event{
			Category:    CategoryInit,
			Timestamp:   now,
			Summary:     Truncate(summary, SummaryLimit),
			Priority:    PriorityLow,
			ResumeToken: r.SessionID,
		}
		if r.Cwd != "" {
			ev.Details = "cwd: " + r.Cwd
		}
		return ev

	case "status":
		if r.HasStatus && isJSONNull(r.Status) {
			return nil
		}
		status := statusText(r.Status)
		return &Event{
			Category:  CategorySystem,
			Timestamp: now,
			Summary:   Truncate("Status: "+status, SummaryLimit),
			Details:   status,
			Priority:  PriorityLow,
		}

	case "compact_boundary":
		return &Event{
			Category:  CategoryCompact,
			Timestamp: now,
			Summary:   "Context compacted",
			Priority:  PriorityNormal,
		}
	}

	summary := "System"
	if r.Subtype != "" {
		summary += ": " + r.Subtype
	}
	return &Event{
		Category:  CategorySystem,
		Timestamp: now,
		Summary:   Truncate(summary, SummaryLimit),
		Priority:  PriorityLow,
	}
}

func statusText(raw json.RawMessage) string {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	return string(raw)
}

func classifyAssistant(r AssistantRecord, now time.Time) *Event {
	for _, block := range r.Blocks {
		if block.Type == "tool_use" && block.Name == AskUserTool {
			return questionEvent(block, now)
		}
	}

	for _, block := range r.Blocks {
		if block.Type == "tool_use" {
			return &Event{
				Category:  CategoryToolUse,
				Timestamp: now,
				Summary:   Truncate(block.Name, SummaryLimit),
				Priority:  PriorityNormal,
				ToolName:  block.Name,
				ToolInput: Truncate(compactJSON(block.Input), ToolInputLimit),
			}
		}
	}

	for _, block := range r.Blocks {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return &Event{
				Category:  CategoryText,
				Timestamp: now,
				Summary:   Truncate(block.Text, SummaryLimit),
				Details:   block.Text,
				Priority:  PriorityNormal,
			}
		}
	}

	ev := &Event{
		Category:  CategoryThinking,
		Timestamp: now,
		Summary:   "Thinking...",
		Priority:  PriorityLow,
	}
	for _, block := range r.Blocks {
		if block.Type == "thinking" && block.Thinking != "" {
			ev.Details = block.Thinking
			break
		}
	}
	return ev
}

func questionEvent(block ContentBlock, now time.Time) *Event {
	question, options := parseQuestion(block.Input)
	if question == "" {
		question = "Question"
	}

	summary := Truncate(question, SummaryLimit)
	if len(options) > 0 {
		summary += " [" + strings.Join(options, ", ") + "]"
	}

	return &Event{
		Category:        CategoryQuestion,
		Timestamp:       now,
		Summary:         summary,
		Details:         question,
		IsActionable:    true,
		Priority:        PriorityHigh,
		ToolName:        block.Name,
		ToolInput:       Truncate(compactJSON(block.Input), ToolInputLimit),
		QuestionOptions: options,
	}
}

type questionOption struct {
	Label string
}

func (o *questionOption) UnmarshalJSON(data []byte) error {
	var label string
	if json.Unmarshal(data, &label) == nil {
		o.Label = label
		return nil
	}
	var object struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	o.Label = object.Label
	return nil
}

type questionInput struct {
	Question string           `json:"question"`
	Options  []questionOption `json:"options"`
}

// parseQuestion extracts the question text and option labels from the
// ask-user tool input. Both the multi-question form and the flat legacy form
// are accepted.
func parseQuestion(input json.RawMessage) (string, []string) {
	var payload struct {
		questionInput
		Questions []questionInput `json:"questions"`
	}
	if json.Unmarshal(input, &payload) != nil {
		return "", nil
	}

	all := payload.Questions
	if len(all) == 0 {
		all = []questionInput{payload.questionInput}
	}

	var texts, labels []string
	for _, q := range all {
		if text := strings.TrimSpace(q.Question); text != "" {
			texts = append(texts, text)
		}
		for _, option := range q.Options {
			if option.Label != "" {
				labels = append(labels, option.Label)
			}
		}
	}
	return strings.Join(texts, "\n"), labels
}

func classifyUser(r UserRecord, now time.Time) *Event {
	for _, block := range r.Blocks {
		if block.Type != "tool_result" {
			continue
		}
		output := toolResultText(block.Content)
		summary := Truncate(output, SummaryLimit)
		if summary == "" {
			summary = "(no output)"
		}
		priority := PriorityLow
		if block.IsError {
			priority = PriorityNormal
		}
		return &Event{
			Category:   CategoryToolResult,
			Timestamp:  now,
			Summary:    summary,
			Priority:   priority,
			ToolOutput: Truncate(output, ToolOutputLimit),
		}
	}

	text := r.Text
	if text == "" {
		var parts []string
		for _, block := range r.Blocks {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		text = strings.Join(parts, "\n")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &Event{
		Category:  CategoryUserMsg,
		Timestamp: now,
		Summary:   Truncate(text, SummaryLimit),
		Details:   text,
		Priority:  PriorityLow,
	}
}

func toolResultText(content json.RawMessage) string {
	var text string
	if json.Unmarshal(content, &text) == nil {
		return text
	}
	var blocks []ContentBlock
	if json.Unmarshal(content, &blocks) == nil {
		var parts []string
		for _, block := range blocks {
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return compactJSON(content)
}

func classifyResult(r ResultRecord, now time.Time) *Event {
	if r.IsError {
		message := r.Result
		if message == "" {
			message = r.Subtype
		}
		return &Event{
			Category:     CategoryError,
			Timestamp:    now,
			Summary:      Truncate("Error: "+message, SummaryLimit),
			Details:      r.Result,
			IsActionable: true,
			Priority:     PriorityCritical,
			Cost:         r.Cost,
			DurationMs:   r.DurationMs,
			ResumeToken:  r.SessionID,
		}
	}

	if !successSubtypes[r.Subtype] {
		return &Event{
			Category:    CategorySystem,
			Timestamp:   now,
			Summary:     Truncate("Result: "+r.Subtype, SummaryLimit),
			Details:     r.Result,
			Priority:    PriorityNormal,
			Cost:        r.Cost,
			DurationMs:  r.DurationMs,
			ResumeToken: r.SessionID,
		}
	}

	return &Event{
		Category:     CategoryResult,
		Timestamp:    now,
		Summary:      resultSummary(r),
		Details:      r.Result,
		IsActionable: true,
		Priority:     PriorityNormal,
		Cost:         r.Cost,
		DurationMs:   r.DurationMs,
		ResumeToken:  r.SessionID,
	}
}

func resultSummary(r ResultRecord) string {
	var duration float64
	if r.DurationMs != nil {
		duration = float64(*r.DurationMs) / 1000
	}
	var cost float64
	if r.Cost != nil {
		cost = *r.Cost
	}
	return fmt.Sprintf("Completed in %.1fs ($%.4f)", duration, cost)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return string(raw)
	}
	return out.String()
}
