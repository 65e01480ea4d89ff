// Package agentevent defines the typed event stream emitted by an agent
// backend during a turn.
package agentevent

import "encoding/json"

// Kind discriminates the event union. The set is closed: the event
// processor switches exhaustively over Kinds() and a test asserts every
// kind has a handler.
type Kind string

const (
	KindTextDelta     Kind = "text_delta"
	KindTextComplete  Kind = "text_complete"
	KindToolStart     Kind = "tool_start"
	KindToolResult    Kind = "tool_result"
	KindStatus        Kind = "status"
	KindError         Kind = "error"
	KindAuthRequest   Kind = "auth_request"
	KindPlanSubmitted Kind = "plan_submitted"
	KindUsage         Kind = "usage"
	KindComplete      Kind = "complete"
)

// Kinds returns every member of the closed event union.
func Kinds() []Kind {
	return []Kind{
		KindTextDelta,
		KindTextComplete,
		KindToolStart,
		KindToolResult,
		KindStatus,
		KindError,
		KindAuthRequest,
		KindPlanSubmitted,
		KindUsage,
		KindComplete,
	}
}

// ErrorType classifies typed errors from the backend.
type ErrorType string

const (
	ErrorTypeGeneric ErrorType = ""
	ErrorTypeAuth    ErrorType = "auth"
	ErrorTypeAborted ErrorType = "aborted"
)

// Usage is a per-turn token usage report.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// Event is one element of a backend invocation's stream. Which fields are
// populated depends on Kind; the wire format is JSON, matching the NATS
// payload schemas.
type Event struct {
	Kind Kind `json:"kind"`

	// KindTextDelta / KindTextComplete.
	Text string `json:"text,omitempty"`

	// KindToolStart / KindToolResult.
	ToolUseID       string          `json:"tool_use_id,omitempty"`
	ToolName        string          `json:"tool_name,omitempty"`
	ToolInput       json.RawMessage `json:"tool_input,omitempty"`
	ToolResult      string          `json:"tool_result,omitempty"`
	ToolIsError     bool            `json:"tool_is_error,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// KindStatus. CompactionDone marks a status that must be persisted.
	Status         string `json:"status,omitempty"`
	CompactionDone bool   `json:"compaction_done,omitempty"`

	// KindError.
	ErrorText string    `json:"error_text,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`

	// KindAuthRequest.
	AuthRequestID string `json:"auth_request_id,omitempty"`
	AuthSource    string `json:"auth_source,omitempty"`
	AuthPrompt    string `json:"auth_prompt,omitempty"`

	// KindPlanSubmitted.
	Plan string `json:"plan,omitempty"`

	// KindUsage / KindComplete.
	Usage *Usage `json:"usage,omitempty"`

	// BackendSessionID is the backend's resume token, delivered with
	// KindComplete on the first turn.
	BackendSessionID string `json:"backend_session_id,omitempty"`
}

// IsAuthError reports whether the event is a typed error classified as an
// authentication failure (expired or invalid credential).
func (e Event) IsAuthError() bool {
	return e.Kind == KindError && e.ErrorType == ErrorTypeAuth
}

// IsAbort reports whether the event is the backend's distinguishable
// cancellation condition. Aborts are expected and never surface as errors.
func (e Event) IsAbort() bool {
	return e.Kind == KindError && e.ErrorType == ErrorTypeAborted
}
