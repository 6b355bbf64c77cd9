// Package observability exports boot and execution spans over OTLP.
// Tracing is opt-in; with no config the runtime pays for nothing and
// callers hold a nil *Tracing that produces no-op spans.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/config"
)

const defaultServiceName = "boxkit"

// Tracing owns the span export pipeline for one runtime. It is injected
// rather than installed as the OTel global, so two runtimes in one
// process never fight over exporters.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Setup builds the export pipeline from cfg. A nil or disabled config
// yields (nil, nil); the nil *Tracing is fully usable.
func Setup(cfg *config.TracingConfig) (*Tracing, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, "observability.setup", err)
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, "observability.setup", err)
	}

	ratio := cfg.SampleRate
	if ratio <= 0 {
		ratio = 1.0
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
	return &Tracing{provider: provider, tracer: provider.Tracer(name)}, nil
}

// newExporter dials the OTLP endpoint over the configured protocol,
// grpc unless http is asked for.
func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer spans are created on. Safe on nil.
func (t *Tracing) Tracer() trace.Tracer {
	if t == nil {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans. Safe on nil.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartBoxSpan opens a span for one box-scoped operation, tagged with
// the box id so the boot stages of a single box group in the trace view.
func StartBoxSpan(ctx context.Context, tracer trace.Tracer, name, boxID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("box.id", boxID)))
}
