package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// propagator is the W3C trace-context codec used on every hop: incoming
// HTTP requests, outgoing provider calls, and the sidecar frame protocol.
// It is fixed here rather than read from the otel global so propagation
// works the same whether or not the exporter pipeline is configured.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// TraceContext carries W3C trace context through transports that have no
// header channel, such as the websocket sidecar frame protocol. A zero
// value means no active trace.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Empty reports whether tc carries no trace.
func (tc TraceContext) Empty() bool { return tc.TraceParent == "" }

// TraceContextFrom captures the active span of ctx as a TraceContext for
// embedding in a frame or message payload.
func TraceContextFrom(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return TraceContext{
		TraceParent: carrier.Get("traceparent"),
		TraceState:  carrier.Get("tracestate"),
	}
}

// ContextWithTraceContext resumes a trace received in a frame payload,
// making tc's span the parent of spans started from the returned context.
func ContextWithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	if tc.Empty() {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": tc.TraceParent}
	if tc.TraceState != "" {
		carrier.Set("tracestate", tc.TraceState)
	}
	return propagator.Extract(ctx, carrier)
}

// InjectHTTPHeaders stamps the active trace onto outgoing request headers
// so remote providers can join the trace.
func InjectHTTPHeaders(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTPHeaders resumes a trace from incoming request headers.
func ExtractHTTPHeaders(ctx context.Context, h http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// GetTraceID returns the active trace id, or "" when no trace is
// recording. Used to correlate logs and audit events with spans.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns the active span id, or "" when no trace is recording.
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
