// Package tracing builds the OpenTelemetry tracer provider: an
// OTLP/HTTP exporter when CHIMERA_OTLP_ENDPOINT is configured, or a
// no-op provider otherwise, plus span helpers wrapping ingest and store
// calls (SPEC_FULL.md "tracing").
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chimera-logmind"

// Provider wraps the tracer this daemon uses and owns its shutdown.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider. When endpoint is empty, spans are created
// against the global no-op tracer: StartSpan calls remain cheap and
// harmless.
func New(ctx context.Context, endpoint, serviceVersion string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{tracer: otel.Tracer(tracerName)}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracerName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}, nil
}

// StartSpan starts a span named name with the given key-value attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the underlying tracer provider, if one was
// constructed (a no-op Provider has nothing to flush).
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
