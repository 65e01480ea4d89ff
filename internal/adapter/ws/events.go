package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// BroadcastEvent marshals a typed event and broadcasts it to the workspace.
// This satisfies the broadcast.Broadcaster port.
func (h *Hub) BroadcastEvent(ctx context.Context, workspaceID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, workspaceID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
