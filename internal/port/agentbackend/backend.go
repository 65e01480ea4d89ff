// Package agentbackend defines the agent execution backend port and its
// factory registry.
package agentbackend

import (
	"context"

	"github.com/parley-dev/parley/internal/domain/agentevent"
	"github.com/parley-dev/parley/internal/domain/session"
)

// InvokeRequest carries one user message and the per-turn configuration
// into the backend.
type InvokeRequest struct {
	SessionID        string               `json:"session_id"`
	WorkspaceID      string               `json:"workspace_id"`
	RootPath         string               `json:"root_path"`
	BackendSessionID string               `json:"backend_session_id,omitempty"`
	Content          string               `json:"content"`
	Attachments      []session.Attachment `json:"attachments,omitempty"`
	Model            string               `json:"model,omitempty"`
	PermissionMode   string               `json:"permission_mode,omitempty"`
	ThinkingLevel    string               `json:"thinking_level,omitempty"`
	Integrations     []IntegrationGrant   `json:"integrations,omitempty"`
}

// IntegrationGrant names an integration enabled for the turn together with
// its current access token.
type IntegrationGrant struct {
	Slug  string `json:"slug"`
	Token string `json:"token,omitempty"`
}

// Invocation is one live turn on the backend. Events are delivered in
// emission order; the channel closes when the turn reaches a terminal
// outcome. Cancellation is cooperative: after Cancel the backend raises a
// distinguishable abort on the stream rather than closing it silently.
type Invocation interface {
	// Events returns the invocation's event stream. The channel is closed
	// exactly once, after the terminal event.
	Events() <-chan agentevent.Event

	// Cancel signals the backend to stop the turn. Safe to call more than
	// once and after completion.
	Cancel(ctx context.Context) error

	// Close releases invocation resources. Must be called once the stream
	// is drained or abandoned.
	Close() error
}

// Backend is the port interface for the agent execution backend.
type Backend interface {
	// Name returns the unique identifier for this backend (e.g. "nats").
	Name() string

	// Invoke starts a new turn and returns a handle to its event stream.
	Invoke(ctx context.Context, req InvokeRequest) (Invocation, error)
}
