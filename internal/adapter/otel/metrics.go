package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "parley"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	TurnsStarted   metric.Int64Counter
	TurnsCompleted metric.Int64Counter
	TurnsFailed    metric.Int64Counter
	DeltasFlushed  metric.Int64Counter
	TokenRefreshes metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("parley.turns.started",
		metric.WithDescription("Number of agent turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("parley.turns.completed",
		metric.WithDescription("Number of agent turns completed"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("parley.turns.failed",
		metric.WithDescription("Number of agent turns ended in error"))
	if err != nil {
		return nil, err
	}

	m.DeltasFlushed, err = meter.Int64Counter("parley.deltas.flushed",
		metric.WithDescription("Number of text delta batches flushed"))
	if err != nil {
		return nil, err
	}

	m.TokenRefreshes, err = meter.Int64Counter("parley.tokens.refreshes",
		metric.WithDescription("Number of integration token refreshes"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
