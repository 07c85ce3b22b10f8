package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan creates a new client span (for outgoing provider calls)
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for Helios spans
var (
	AttrModel      = attribute.Key("helios.model")
	AttrProviderID = attribute.Key("helios.provider.id")
	AttrRunnerKind = attribute.Key("helios.runner.kind")
	AttrRequestID  = attribute.Key("helios.request_id")
	AttrRunID      = attribute.Key("helios.run_id")
	AttrTenantID   = attribute.Key("helios.tenant_id")
	AttrPhase      = attribute.Key("helios.phase")
	AttrAttempt    = attribute.Key("helios.attempt")
	AttrWarmHit    = attribute.Key("helios.warm_hit")
	AttrStreamed   = attribute.Key("helios.streamed")
	AttrDurationMs = attribute.Key("helios.duration_ms")
)
