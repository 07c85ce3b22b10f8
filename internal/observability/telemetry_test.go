package observability

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Enabled() {
		t.Fatal("Enabled() true after disabled Init")
	}
	if Tracer() == nil {
		t.Fatal("disabled init must still return a tracer")
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	err := Init(context.Background(), Config{Enabled: true, Exporter: "jaeger-agent", ServiceName: "helios-test"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitNoneExporter(t *testing.T) {
	ctx := context.Background()
	if err := Init(ctx, Config{Enabled: true, Exporter: "none", ServiceName: "helios-test", SampleRate: 1}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		Shutdown(ctx)
		Init(ctx, Config{Enabled: false})
	}()

	if !Enabled() {
		t.Fatal("Enabled() false after enabled Init")
	}

	_, span := StartSpan(ctx, "helios.test")
	if !span.SpanContext().HasTraceID() {
		t.Fatal("span has no trace id with the none exporter")
	}
	span.End()
}
