package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerWrapper is a nil-safe wrapper around an OpenTelemetry tracer.
// When no TracerProvider is injected it falls back to a noop provider, so
// callers never need to check spans for nil.
type TracerWrapper struct {
	tracer trace.Tracer
}

// NewTracerWrapper creates a wrapper for the named component. A nil
// provider selects the noop provider.
//
// Example:
//
//	tracing := NewTracerWrapper(tp, "beaconkit/http-client")
//	ctx, span := tracing.StartSpan(ctx, "beacon.send", trace.SpanKindClient)
//	defer span.End()
func NewTracerWrapper(tp trace.TracerProvider, name string) *TracerWrapper {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &TracerWrapper{tracer: tp.Tracer(name)}
}

// StartSpan starts a span of the given kind. The returned span is never nil.
func (w *TracerWrapper) StartSpan(ctx context.Context, operation string, kind trace.SpanKind) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, operation, trace.WithSpanKind(kind))
}

// Tracer returns the wrapped tracer.
func (w *TracerWrapper) Tracer() trace.Tracer {
	return w.tracer
}
