// Package tracing wires OpenTelemetry spans around the operations that
// matter for debugging a live conversation: tool execution, decision
// evaluation and handoff swaps. Tracing is optional — with no endpoint
// configured every Tracer method is a no-op.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/sonic/internal/config"
)

// Tracer wraps a tracer provider built from the gateway's telemetry config.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer from cfg. If cfg.Enabled is false or cfg.Endpoint is
// empty, the returned Tracer is a no-op: Start still works but spans are
// never exported. The returned shutdown func must be called on exit.
func New(cfg config.TelemetryConfig) (*Tracer, func(context.Context) error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sonic-gateway"
	}

	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(serviceName)}, func(context.Context) error { return nil }
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return &Tracer{tracer: otel.Tracer(serviceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, provider.Shutdown
}

// newExporter picks the OTLP transport named by cfg.Protocol; "http" uses
// otlptracehttp, anything else (including empty) defaults to grpc.
func newExporter(cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}

// Start opens a span named name, attaching kv as string attributes.
func (t *Tracer) Start(ctx context.Context, name string, kv ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(kv...))
}

// RecordError marks span as failed, no-op on a nil error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
