package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tigerroll/crest/pkg/engine/core/config"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

// Tracer is the engine's tracing surface. Spans cover job phases and agent
// executions; the returned function ends the span and should be deferred.
type Tracer interface {
	// StartJobSpan starts a span covering a whole job run.
	StartJobSpan(ctx context.Context, jobID, pipelineName string) (context.Context, func())
	// StartPhaseSpan starts a span covering one phase of a job.
	StartPhaseSpan(ctx context.Context, jobID, phase string) (context.Context, func())
	// StartAgentSpan starts a span covering one agent execution.
	StartAgentSpan(ctx context.Context, jobID, itemID string, attempt int) (context.Context, func())
	// RecordError records an error on the current span.
	RecordError(ctx context.Context, module string, err error)
	// Shutdown flushes buffered spans.
	Shutdown(ctx context.Context) error
}

type noopTracer struct{}

var _ Tracer = (*noopTracer)(nil)

// NewNoopTracer returns a tracer producing no spans.
func NewNoopTracer() Tracer {
	return &noopTracer{}
}

func (noopTracer) StartJobSpan(ctx context.Context, _, _ string) (context.Context, func()) {
	return ctx, func() {}
}
func (noopTracer) StartPhaseSpan(ctx context.Context, _, _ string) (context.Context, func()) {
	return ctx, func() {}
}
func (noopTracer) StartAgentSpan(ctx context.Context, _, _ string, _ int) (context.Context, func()) {
	return ctx, func() {}
}
func (noopTracer) RecordError(context.Context, string, error) {}
func (noopTracer) Shutdown(context.Context) error             { return nil }

type otelTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var _ Tracer = (*otelTracer)(nil)

// NewOtelTracer creates a tracer exporting spans over OTLP gRPC to the
// configured endpoint.
func NewOtelTracer(ctx context.Context, cfg config.TracingConfig) (Tracer, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("crest"),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Infof("OTel tracing enabled, exporting to %s", cfg.Endpoint)
	return &otelTracer{provider: provider, tracer: provider.Tracer("crest/engine")}, nil
}

func (t *otelTracer) StartJobSpan(ctx context.Context, jobID, pipelineName string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("crest.job.id", jobID),
		attribute.String("crest.pipeline", pipelineName),
	))
	return ctx, func() { span.End() }
}

func (t *otelTracer) StartPhaseSpan(ctx context.Context, jobID, phase string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "phase."+phase, trace.WithAttributes(
		attribute.String("crest.job.id", jobID),
		attribute.String("crest.phase", phase),
	))
	return ctx, func() { span.End() }
}

func (t *otelTracer) StartAgentSpan(ctx context.Context, jobID, itemID string, attempt int) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("crest.job.id", jobID),
		attribute.String("crest.item.id", itemID),
		attribute.Int("crest.attempt", attempt),
	))
	return ctx, func() { span.End() }
}

func (t *otelTracer) RecordError(ctx context.Context, module string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("crest.module", module)))
	span.SetStatus(codes.Error, err.Error())
}

func (t *otelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
