package models

import "time"

// ActionType identifies the kind of run an ActionRecord describes.
type ActionType string

const (
	ActionGenerateReply   ActionType = "generate_reply"
	ActionTitleSuggestion ActionType = "title_suggestion"
)

// ErrorKind classifies why a run failed. Empty on success.
type ErrorKind string

const (
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindTool        ErrorKind = "tool"
	ErrorKindProvider    ErrorKind = "provider"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCircuitOpen ErrorKind = "circuit_open"
	ErrorKindContext     ErrorKind = "context"
	ErrorKindInternal    ErrorKind = "internal"
)

// ActionRecord is the append-only audit row written once per completed,
// failed, or timed-out run.
type ActionRecord struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	ThreadID   string     `json:"thread_id"`
	ActionType ActionType `json:"action_type"`
	ToolsUsed  []string   `json:"tools_used,omitempty"`
	Success    bool       `json:"success"`
	LatencyMS  int64      `json:"latency_ms"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Reply is the outcome of one GenerateReply turn.
type Reply struct {
	Content            string   `json:"content"`
	ToolsUsed          []string `json:"tools_used,omitempty"`
	Confidence         float64  `json:"confidence"`
	RequiresEscalation bool     `json:"requires_escalation"`
}

// TitleSuggestion is the outcome of one GetTitleSuggestion run.
type TitleSuggestion struct {
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
}
