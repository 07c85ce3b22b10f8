// Package observability wires OpenTelemetry tracing through the kernel:
// the exporter pipeline, span helpers with inference-domain attributes,
// HTTP middleware, and trace propagation to provider backends.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the tracing configuration for one node.
type Config struct {
	Enabled        bool
	Exporter       string // "otlp-http" or "none" (spans are sampled but not exported)
	Endpoint       string // collector endpoint for otlp-http, e.g. localhost:4318
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // root-span sampling ratio, 0.0 to 1.0
}

type telemetryState struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var state = &telemetryState{tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init configures the tracer pipeline for the process. With cfg.Enabled
// false all span helpers become no-ops; propagation keeps working so
// trace ids still flow through to providers.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		state = &telemetryState{tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
	case "none", "stdout":
		// Spans are still created (so ids flow into logs and audit
		// events) but never leave the process.
		exporter = discardExporter{}
	default:
		return fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	// Honor the caller's sampling decision on child spans so one
	// inference is either fully traced or not at all.
	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SampleRate >= 0 && cfg.SampleRate < 1.0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	state = &telemetryState{
		tp:      tp,
		tracer:  tp.Tracer(cfg.ServiceName),
		enabled: true,
	}
	return nil
}

// Shutdown flushes buffered spans. Bounded so a hung collector cannot
// stall daemon teardown.
func Shutdown(ctx context.Context) error {
	if state.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return state.tp.Shutdown(ctx)
}

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	return state.tracer
}

// Enabled reports whether spans are being recorded.
func Enabled() bool {
	return state.enabled
}

// discardExporter drops spans for the "none" exporter mode.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
