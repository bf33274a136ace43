package event

import "time"

// Category classifies an Event.
type Category string

const (
	CategoryInit       Category = "init"
	CategoryThinking   Category = "thinking"
	CategoryText       Category = "text"
	CategoryToolUse    Category = "tool_use"
	CategoryToolResult Category = "tool_result"
	CategoryResult     Category = "result"
	CategoryError      Category = "error"
	CategoryWaiting    Category = "waiting"
	CategoryQuestion   Category = "question"
	CategorySystem     Category = "system"
	CategoryCompact    Category = "compact"
	CategoryUserMsg    Category = "user_msg"
	CategoryUnknown    Category = "unknown"
)

// Priority signals how urgently an observer should look at an Event.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is one classified unit derived from one completed output line.
// Events are values: once built they are never mutated.
type Event struct {
	Category     Category  `json:"category"`
	Timestamp    time.Time `json:"timestamp"`
	Summary      string    `json:"summary"`
	Details      string    `json:"details,omitempty"`
	IsActionable bool      `json:"isActionable"`
	Priority     Priority  `json:"priority"`

	ToolName        string   `json:"toolName,omitempty"`
	ToolInput       string   `json:"toolInput,omitempty"`
	ToolOutput      string   `json:"toolOutput,omitempty"`
	Cost            *float64 `json:"cost,omitempty"`
	DurationMs      *int64   `json:"durationMs,omitempty"`
	ResumeToken     string   `json:"resumeToken,omitempty"`
	QuestionOptions []string `json:"questionOptions,omitempty"`
}

// Truncation limits applied by the classifier.
const (
	SummaryLimit    = 80
	ToolInputLimit  = 100
	ToolOutputLimit = 200
)
