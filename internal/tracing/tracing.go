// Package tracing installs an optional OpenTelemetry OTLP/HTTP exporter
// and adapts it to the small Tracer/Span interfaces UpstreamClient
// expects, so the client itself never imports otel directly.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nellisops/auction-tracker/internal/upstream"
)

// Install configures the global OTel tracer provider against endpoint
// and returns a shutdown func plus an upstream.Tracer adapter. Callers
// should only invoke Install when an endpoint is actually configured.
func Install(ctx context.Context, endpoint, serviceName string) (upstream.Tracer, func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &otelTracer{tracer: provider.Tracer(serviceName)}, provider.Shutdown, nil
}

type otelTracer struct {
	tracer oteltrace.Tracer
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, upstream.Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(kv...))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttr(key, val string) {
	s.span.SetAttributes(attribute.String(key, val))
}
