// Package telemetry wires OpenTelemetry tracing and Prometheus metrics
// for the platform services.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider holds the tracer provider for one service process.
type Provider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider
}

// NewProvider creates an OTLP-exporting tracer provider and installs it
// globally. endpoint is the OTLP gRPC collector address; an empty
// endpoint returns a nil provider, disabling tracing.
func NewProvider(ctx context.Context, serviceName, endpoint string) (*Provider, error) {
	if endpoint == "" {
		return nil, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:        tp.Tracer("aiflow"),
		traceProvider: tp,
	}, nil
}

// Tracer returns the service tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.traceProvider.Shutdown(ctx)
}

// WrapHandler instruments an HTTP handler with server spans. Safe to
// call with tracing disabled.
func WrapHandler(operation string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, operation)
}

// HTTPTransport instruments an outbound transport with client spans.
func HTTPTransport(base http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(base)
}
