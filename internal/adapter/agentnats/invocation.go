package agentnats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/parley-dev/parley/internal/domain/agentevent"
)

// invocation is one live turn. The JetStream consumer callback decodes
// runner events onto the events channel; the channel closes after the
// terminal event or on Close.
type invocation struct {
	backend      *Backend
	invocationID string
	sessionID    string

	events chan agentevent.Event
	stop   func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (inv *invocation) Events() <-chan agentevent.Event { return inv.events }

// handleMsg is the JetStream consumer callback.
func (inv *invocation) handleMsg(msg jetstream.Msg) {
	var ev agentevent.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		slog.Error("decode agent event", "invocation_id", inv.invocationID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}

	inv.deliver(ev)

	if terminal(ev) {
		inv.finish()
	}
}

// deliver hands an event to the consumer unless the stream already ended.
// A full buffer drops the event rather than stalling the consumer; the
// orchestrator tolerates gaps in non-terminal events.
func (inv *invocation) deliver(ev agentevent.Event) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	select {
	case inv.events <- ev:
	default:
		slog.Warn("agent event buffer full, dropping",
			"invocation_id", inv.invocationID, "kind", string(ev.Kind))
	}
}

// finish closes the event channel exactly once.
func (inv *invocation) finish() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	inv.closed = true
	close(inv.events)
	close(inv.done)
}

// Cancel asks the runner to stop the turn. The runner answers with an
// aborted error event on the stream; the channel stays open until then.
func (inv *invocation) Cancel(ctx context.Context) error {
	data, err := json.Marshal(cancelEnvelope{
		InvocationID: inv.invocationID,
		SessionID:    inv.sessionID,
	})
	if err != nil {
		return fmt.Errorf("encode cancel: %w", err)
	}
	if _, err := inv.backend.js.Publish(ctx, subjectCancel, data); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// Close stops the consumer and closes the stream if still open.
func (inv *invocation) Close() error {
	inv.finish()
	if inv.stop != nil {
		inv.stop()
	}
	return nil
}

// terminal reports whether the event ends the runner's stream.
func terminal(ev agentevent.Event) bool {
	switch ev.Kind {
	case agentevent.KindComplete:
		return true
	case agentevent.KindError:
		// Typed auth errors and aborts are terminal; the runner stops the
		// turn after emitting them. Generic errors may be recoverable.
		return ev.ErrorType == agentevent.ErrorTypeAuth || ev.ErrorType == agentevent.ErrorTypeAborted
	default:
		return false
	}
}
