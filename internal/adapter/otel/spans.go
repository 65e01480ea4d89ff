package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "parley"

// StartRefreshSpan starts a span for an integration token refresh.
func StartRefreshSpan(ctx context.Context, source string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "token.refresh",
		trace.WithAttributes(
			attribute.String("token.source", source),
		),
	)
}
