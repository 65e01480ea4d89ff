// Package agentnats implements the agent backend port over NATS
// JetStream. Each turn is a request on agent.invoke; the runner streams
// events back on a per-invocation subject until a terminal event.
package agentnats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/parley-dev/parley/internal/domain/agentevent"
	"github.com/parley-dev/parley/internal/port/agentbackend"
)

const (
	streamName = "PARLEY_AGENT"

	subjectInvoke = "agent.invoke"
	subjectCancel = "agent.cancel"
	eventsPrefix  = "agent.events."

	// invokeAckTimeout bounds the wait for the runner to accept a turn.
	invokeAckTimeout = 10 * time.Second

	// eventBuffer absorbs bursts from the runner without blocking the
	// JetStream consumer callback.
	eventBuffer = 256
)

func init() {
	agentbackend.Register("nats", func(config map[string]string) (agentbackend.Backend, error) {
		url := config["url"]
		if url == "" {
			url = nats.DefaultURL
		}
		return Connect(context.Background(), url)
	})
}

// Backend implements agentbackend.Backend over NATS JetStream.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the agent stream
// exists.
func Connect(ctx context.Context, url string) (*Backend, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"agent.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("agent backend connected", "url", url, "stream", streamName)
	return &Backend{nc: nc, js: js}, nil
}

func (b *Backend) Name() string { return "nats" }

// invokeEnvelope is the wire form of a turn request.
type invokeEnvelope struct {
	InvocationID string                     `json:"invocation_id"`
	EventSubject string                     `json:"event_subject"`
	Request      agentbackend.InvokeRequest `json:"request"`
}

// cancelEnvelope asks the runner to stop a turn.
type cancelEnvelope struct {
	InvocationID string `json:"invocation_id"`
	SessionID    string `json:"session_id"`
}

// Invoke publishes the turn request and subscribes to its event subject.
// The returned invocation owns the consumer; Close tears it down.
func (b *Backend) Invoke(ctx context.Context, req agentbackend.InvokeRequest) (agentbackend.Invocation, error) {
	invocationID := uuid.NewString()
	subject := eventsPrefix + invocationID

	inv := &invocation{
		backend:      b,
		invocationID: invocationID,
		sessionID:    req.SessionID,
		events:       make(chan agentevent.Event, eventBuffer),
		done:         make(chan struct{}),
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create event consumer: %w", err)
	}

	cons, err := consumer.Consume(inv.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("consume events: %w", err)
	}
	inv.stop = cons.Stop

	data, err := json.Marshal(invokeEnvelope{
		InvocationID: invocationID,
		EventSubject: subject,
		Request:      req,
	})
	if err != nil {
		cons.Stop()
		return nil, fmt.Errorf("encode invoke: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, invokeAckTimeout)
	defer cancel()
	if _, err := b.js.Publish(pubCtx, subjectInvoke, data); err != nil {
		cons.Stop()
		return nil, fmt.Errorf("publish invoke: %w", err)
	}

	return inv, nil
}

// Close shuts down the NATS connection.
func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}
