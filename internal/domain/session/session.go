// Package session defines the conversation session domain entities.
package session

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxTitleRunes bounds auto-generated session names.
const maxTitleRunes = 48

// Attachment references a file attached to a user message. Attachment
// processing itself happens outside the orchestration core.
type Attachment struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"media_type,omitempty"`
}

// SendOptions carries per-send overrides and internal routing flags.
type SendOptions struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	ThinkingLevel  string `json:"thinking_level,omitempty"`

	// ResumeQueuedID is set when a queued send is being replayed: the
	// message with this id is already in the log and must not be re-appended.
	ResumeQueuedID string `json:"-"`

	// AuthRetry marks the single credential-refresh retry of a send.
	// A send carrying this flag never retries again.
	AuthRetry bool `json:"-"`
}

// QueuedSend is a message submitted while a turn was in flight, waiting
// for the current invocation to wind down.
type QueuedSend struct {
	Message     Message      `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Options     SendOptions  `json:"options"`
}

// TokenUsage accumulates cost and token counters across turns.
type TokenUsage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// Merge folds a per-turn usage report into the accumulated counters.
// Input and cache counters reflect the latest full-context size; output
// tokens and cost accumulate across turns.
func (u *TokenUsage) Merge(turn TokenUsage) {
	if turn.InputTokens > 0 {
		u.InputTokens = turn.InputTokens
	}
	u.OutputTokens += turn.OutputTokens
	if turn.CacheReadTokens > 0 {
		u.CacheReadTokens = turn.CacheReadTokens
	}
	if turn.CacheCreationTokens > 0 {
		u.CacheCreationTokens = turn.CacheCreationTokens
	}
	u.CostUSD += turn.CostUSD
}

// AuthRequest is a pending mid-turn credential request. At most one may be
// outstanding per session.
type AuthRequest struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a single conversation with the agent backend. The orchestrator
// registry exclusively owns all Session values; no other component retains
// a reference across calls.
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	RootPath    string `json:"root_path"`
	Name        string `json:"name"`

	// BackendSessionID is the opaque resume token assigned by the backend
	// after the first turn. Losing it is not recoverable by replay.
	BackendSessionID string `json:"backend_session_id,omitempty"`

	Messages   []Message  `json:"messages"`
	TokenUsage TokenUsage `json:"token_usage"`

	Model               string   `json:"model,omitempty"`
	PermissionMode      string   `json:"permission_mode,omitempty"`
	ThinkingLevel       string   `json:"thinking_level,omitempty"`
	EnabledIntegrations []string `json:"enabled_integrations,omitempty"`

	HasUnread         bool   `json:"has_unread"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Processing state. Runtime-only, never persisted.
	IsProcessing         bool   `json:"-"`
	ProcessingGeneration uint64 `json:"-"`
	StreamingText        string `json:"-"`
	CurrentTurnID        string `json:"-"`

	// Queue of sends submitted while a turn was in flight. FIFO.
	Queue []QueuedSend `json:"-"`

	// Retry bookkeeping for the current user message.
	LastSentContent     string       `json:"-"`
	LastSentAttachments []Attachment `json:"-"`
	LastSentOptions     SendOptions  `json:"-"`
	LastSentMessageID   string       `json:"-"`
	AuthRetryAttempted  bool         `json:"-"`
	AuthRetryInProgress bool         `json:"-"`

	// Auth sub-state.
	PendingAuthRequestID string       `json:"-"`
	PendingAuthRequest   *AuthRequest `json:"-"`

	// MessagesLoaded marks whether the log has been populated from storage.
	MessagesLoaded bool `json:"-"`
}

// New creates an empty session for a workspace.
func New(workspaceID, rootPath string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		RootPath:       rootPath,
		CreatedAt:      now,
		UpdatedAt:      now,
		MessagesLoaded: true,
	}
}

// Append adds a message to the log and bumps UpdatedAt.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now().UTC()
}

// FindByToolUseID returns the index of the tool message with the given
// tool_use_id, or -1.
func (s *Session) FindByToolUseID(toolUseID string) int {
	for i := range s.Messages {
		if s.Messages[i].Role == RoleTool && s.Messages[i].ToolUseID == toolUseID {
			return i
		}
	}
	return -1
}

// FindByID returns the index of the message with the given id, or -1.
func (s *Session) FindByID(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// RemoveByID deletes the message with the given id, preserving order.
func (s *Session) RemoveByID(id string) bool {
	i := s.FindByID(id)
	if i < 0 {
		return false
	}
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
	return true
}

// AutoTitle derives a session name from the first user message. Returns
// false when the session already has a name or the text is empty.
func (s *Session) AutoTitle(text string) bool {
	if s.Name != "" || text == "" {
		return false
	}
	if utf8.RuneCountInString(text) > maxTitleRunes {
		runes := []rune(text)
		text = string(runes[:maxTitleRunes])
	}
	s.Name = text
	return true
}

// Metadata is the lightweight listing view of a session, loadable without
// touching the message log.
type Metadata struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	Name             string     `json:"name"`
	BackendSessionID string     `json:"backend_session_id,omitempty"`
	HasUnread        bool       `json:"has_unread"`
	IsProcessing     bool       `json:"is_processing"`
	TokenUsage       TokenUsage `json:"token_usage"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Meta returns the metadata view of the session.
func (s *Session) Meta() Metadata {
	return Metadata{
		ID:               s.ID,
		WorkspaceID:      s.WorkspaceID,
		Name:             s.Name,
		BackendSessionID: s.BackendSessionID,
		HasUnread:        s.HasUnread,
		IsProcessing:     s.IsProcessing,
		TokenUsage:       s.TokenUsage,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

// Record is the durable snapshot written by the persistence queue.
type Record struct {
	ID                  string       `json:"id"`
	WorkspaceID         string       `json:"workspace_id"`
	RootPath            string       `json:"root_path"`
	Name                string       `json:"name"`
	BackendSessionID    string       `json:"backend_session_id,omitempty"`
	Messages            []Message    `json:"messages"`
	TokenUsage          TokenUsage   `json:"token_usage"`
	Model               string       `json:"model,omitempty"`
	PermissionMode      string       `json:"permission_mode,omitempty"`
	ThinkingLevel       string       `json:"thinking_level,omitempty"`
	EnabledIntegrations []string     `json:"enabled_integrations,omitempty"`
	HasUnread           bool         `json:"has_unread"`
	LastReadMessageID   string       `json:"last_read_message_id,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Snapshot captures the durable state of the session. The message slice is
// copied so a pending write is not affected by later log mutations.
func (s *Session) Snapshot() Record {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return Record{
		ID:                  s.ID,
		WorkspaceID:         s.WorkspaceID,
		RootPath:            s.RootPath,
		Name:                s.Name,
		BackendSessionID:    s.BackendSessionID,
		Messages:            msgs,
		TokenUsage:          s.TokenUsage,
		Model:               s.Model,
		PermissionMode:      s.PermissionMode,
		ThinkingLevel:       s.ThinkingLevel,
		EnabledIntegrations: s.EnabledIntegrations,
		HasUnread:           s.HasUnread,
		LastReadMessageID:   s.LastReadMessageID,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

// FromRecord reconstructs a session from its durable snapshot.
func FromRecord(r Record) *Session {
	return &Session{
		ID:                  r.ID,
		WorkspaceID:         r.WorkspaceID,
		RootPath:            r.RootPath,
		Name:                r.Name,
		BackendSessionID:    r.BackendSessionID,
		Messages:            r.Messages,
		TokenUsage:          r.TokenUsage,
		Model:               r.Model,
		PermissionMode:      r.PermissionMode,
		ThinkingLevel:       r.ThinkingLevel,
		EnabledIntegrations: r.EnabledIntegrations,
		HasUnread:           r.HasUnread,
		LastReadMessageID:   r.LastReadMessageID,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		MessagesLoaded:      true,
	}
}
