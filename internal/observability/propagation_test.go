package observability

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func testSpanContext(t *testing.T) trace.SpanContext {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatalf("trace id: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatalf("span id: %v", err)
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestTraceContextRoundTrip(t *testing.T) {
	ctx := trace.ContextWithSpanContext(context.Background(), testSpanContext(t))

	tc := TraceContextFrom(ctx)
	if tc.Empty() {
		t.Fatal("active span produced an empty trace context")
	}
	if !strings.Contains(tc.TraceParent, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Fatalf("traceparent %q does not carry the trace id", tc.TraceParent)
	}

	// A sidecar receiving the frame resumes the same trace.
	resumed := ContextWithTraceContext(context.Background(), tc)
	if got := GetTraceID(resumed); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("resumed trace id = %q", got)
	}
}

func TestTraceContextFromWithoutSpan(t *testing.T) {
	tc := TraceContextFrom(context.Background())
	if !tc.Empty() {
		t.Fatalf("no-span context produced %+v", tc)
	}

	// Resuming an empty context is a no-op.
	ctx := ContextWithTraceContext(context.Background(), tc)
	if GetTraceID(ctx) != "" {
		t.Fatal("empty trace context produced a trace id")
	}
}

func TestHTTPHeaderPropagation(t *testing.T) {
	ctx := trace.ContextWithSpanContext(context.Background(), testSpanContext(t))

	h := http.Header{}
	InjectHTTPHeaders(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent header not stamped on outgoing request")
	}

	resumed := ExtractHTTPHeaders(context.Background(), h)
	if got := GetTraceID(resumed); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("extracted trace id = %q", got)
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Fatalf("GetTraceID on empty context = %q", got)
	}
	if got := GetSpanID(context.Background()); got != "" {
		t.Fatalf("GetSpanID on empty context = %q", got)
	}
}
