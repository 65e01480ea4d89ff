package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies who (or what) produced a message.
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleTool        Role = "tool"
	RoleError       Role = "error"
	RoleInfo        Role = "info"
	RolePlan        Role = "plan"
	RoleAuthRequest Role = "auth_request"
)

// ToolStatus tracks the lifecycle of a tool invocation message.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolErrored   ToolStatus = "error"
)

// Terminal reports whether the tool status is a final state.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolErrored
}

// AuthStatus tracks the lifecycle of an auth-request message.
type AuthStatus string

const (
	AuthPending   AuthStatus = "pending"
	AuthCompleted AuthStatus = "completed"
	AuthCancelled AuthStatus = "cancelled"
	AuthFailed    AuthStatus = "failed"
)

// Message is a single record in a session's ordered log. Messages are
// append-only once written; tool and auth status fields are updated in
// place when results arrive after the initial record.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Tool fields (RoleTool only).
	ToolName        string          `json:"tool_name,omitempty"`
	ToolUseID       string          `json:"tool_use_id,omitempty"`
	ToolInput       json.RawMessage `json:"tool_input,omitempty"`
	ToolResult      string          `json:"tool_result,omitempty"`
	ToolStatus      ToolStatus      `json:"tool_status,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// Turn grouping.
	TurnID         string `json:"turn_id,omitempty"`
	IsIntermediate bool   `json:"is_intermediate,omitempty"`

	// Auth fields (RoleAuthRequest only).
	AuthRequestID string     `json:"auth_request_id,omitempty"`
	AuthStatus    AuthStatus `json:"auth_status,omitempty"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolMessage creates a tool message in the pending state.
func NewToolMessage(toolUseID, toolName string, input json.RawMessage, parentToolUseID string) Message {
	m := NewMessage(RoleTool, "")
	m.ToolUseID = toolUseID
	m.ToolName = toolName
	m.ToolInput = input
	m.ToolStatus = ToolPending
	m.ParentToolUseID = parentToolUseID
	m.IsIntermediate = true
	return m
}
