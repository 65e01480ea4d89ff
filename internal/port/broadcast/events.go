package broadcast

import "github.com/parley-dev/parley/internal/domain/session"

// Event type constants shared by the orchestration core and every display
// surface.
const (
	EventMessageQueued  = "message.queued"
	EventMessageDelta   = "message.delta"
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageRemoved = "message.removed"

	EventSessionProcessing = "session.processing"
	EventSessionComplete   = "session.complete"
	EventSessionStatus     = "session.status"
	EventSessionUnread     = "session.unread"
	EventSessionDeleted    = "session.deleted"
	EventSessionUpdated    = "session.updated"

	EventAuthRequest  = "auth.request"
	EventAuthResolved = "auth.resolved"
	EventPlanReady    = "plan.ready"
	EventTokenWarning = "token.warning"
)

// MessageQueuedEvent is broadcast when a send arrives mid-turn and is
// queued behind the active invocation.
type MessageQueuedEvent struct {
	SessionID string          `json:"session_id"`
	Message   session.Message `json:"message"`
}

// MessageDeltaEvent carries a coalesced batch of streaming text.
type MessageDeltaEvent struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Text      string `json:"text"`
}

// MessageCreatedEvent is broadcast when a message is appended to the log.
type MessageCreatedEvent struct {
	SessionID string          `json:"session_id"`
	Message   session.Message `json:"message"`
}

// MessageUpdatedEvent is broadcast when a message is mutated in place
// (tool result, auth resolution).
type MessageUpdatedEvent struct {
	SessionID string          `json:"session_id"`
	Message   session.Message `json:"message"`
}

// MessageRemovedEvent is broadcast when a message is withdrawn from the
// log (credential retry re-sends the original user message).
type MessageRemovedEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// SessionProcessingEvent is broadcast when a turn starts.
type SessionProcessingEvent struct {
	SessionID string `json:"session_id"`
}

// SessionCompleteEvent is broadcast when a turn ends and nothing is queued.
type SessionCompleteEvent struct {
	SessionID  string             `json:"session_id"`
	Reason     string             `json:"reason"`
	TokenUsage session.TokenUsage `json:"token_usage"`
	HasUnread  bool               `json:"has_unread"`
}

// SessionStatusEvent carries a transient backend status line.
type SessionStatusEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionUnreadEvent is broadcast when the unread flag changes.
type SessionUnreadEvent struct {
	SessionID string `json:"session_id"`
	HasUnread bool   `json:"has_unread"`
}

// SessionDeletedEvent is broadcast after a session and its storage
// artifacts are removed.
type SessionDeletedEvent struct {
	SessionID string `json:"session_id"`
}

// SessionUpdatedEvent is broadcast when session metadata changes outside a
// turn boundary (rename, settings).
type SessionUpdatedEvent struct {
	SessionID string           `json:"session_id"`
	Meta      session.Metadata `json:"meta"`
}

// AuthRequestEvent is broadcast when the backend pauses a turn for
// credentials.
type AuthRequestEvent struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Source    string `json:"source,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// AuthResolvedEvent is broadcast when the user answers an auth request.
type AuthResolvedEvent struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// PlanReadyEvent is broadcast when the backend submits a plan for review.
type PlanReadyEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// TokenWarningEvent is broadcast when an integration's token refresh fails
// and the integration is excluded from the turn.
type TokenWarningEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source"`
	Error     string `json:"error"`
}
