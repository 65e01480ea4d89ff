package otel

import (
	"context"

	"github.com/parley-dev/parley/internal/port/broadcast"
)

// ObservedBroadcaster decorates a Broadcaster and records turn metrics
// from the event stream passing through it.
type ObservedBroadcaster struct {
	next    broadcast.Broadcaster
	metrics *Metrics
}

// ObserveBroadcasts wraps next so that session lifecycle events update
// the given metric instruments.
func ObserveBroadcasts(next broadcast.Broadcaster, m *Metrics) *ObservedBroadcaster {
	return &ObservedBroadcaster{next: next, metrics: m}
}

// BroadcastEvent counts the event and forwards it unchanged.
func (b *ObservedBroadcaster) BroadcastEvent(ctx context.Context, workspaceID, eventType string, payload any) {
	switch eventType {
	case broadcast.EventSessionProcessing:
		b.metrics.TurnsStarted.Add(ctx, 1)
	case broadcast.EventSessionComplete:
		if ev, ok := payload.(broadcast.SessionCompleteEvent); ok && ev.Reason == "error" {
			b.metrics.TurnsFailed.Add(ctx, 1)
		} else {
			b.metrics.TurnsCompleted.Add(ctx, 1)
		}
	case broadcast.EventMessageDelta:
		b.metrics.DeltasFlushed.Add(ctx, 1)
	}
	b.next.BroadcastEvent(ctx, workspaceID, eventType, payload)
}
