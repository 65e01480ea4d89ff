package otel_test

import (
	"context"
	"sync"
	"testing"

	sdkotel "go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parley-dev/parley/internal/adapter/otel"
	"github.com/parley-dev/parley/internal/port/broadcast"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingBroadcaster) BroadcastEvent(_ context.Context, _, eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func TestObserveBroadcastsForwardsAndCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	sdkotel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	metrics, err := otel.NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	next := &recordingBroadcaster{}
	b := otel.ObserveBroadcasts(next, metrics)

	ctx := context.Background()
	b.BroadcastEvent(ctx, "ws1", broadcast.EventSessionProcessing, broadcast.SessionProcessingEvent{SessionID: "s1"})
	b.BroadcastEvent(ctx, "ws1", broadcast.EventMessageDelta, broadcast.MessageDeltaEvent{SessionID: "s1", Text: "hi"})
	b.BroadcastEvent(ctx, "ws1", broadcast.EventSessionComplete, broadcast.SessionCompleteEvent{SessionID: "s1", Reason: "complete"})
	b.BroadcastEvent(ctx, "ws1", broadcast.EventSessionComplete, broadcast.SessionCompleteEvent{SessionID: "s1", Reason: "error"})

	if len(next.events) != 4 {
		t.Fatalf("forwarded %d events, want 4", len(next.events))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				counts[m.Name] = total
			}
		}
	}

	want := map[string]int64{
		"parley.turns.started":   1,
		"parley.turns.completed": 1,
		"parley.turns.failed":    1,
		"parley.deltas.flushed":  1,
	}
	for name, n := range want {
		if counts[name] != n {
			t.Errorf("%s = %d, want %d", name, counts[name], n)
		}
	}
}
