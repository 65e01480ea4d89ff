// Package broadcast defines the port for mirroring session events to all
// observing display surfaces.
package broadcast

import "context"

// Broadcaster sends a typed event to every surface observing a workspace.
// Delivery is fire-and-forget; a slow or gone surface never blocks the
// orchestration core.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, workspaceID, eventType string, payload any)
}
