package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry TracerProvider with the span helpers the
// orchestrator's pipeline loop needs. It is instance-scoped rather than
// global so multiple Managers never collide on process-wide OTel state.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a Tracer from TracingConfig. cfg must already have
// SetDefaults applied.
func NewTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.IsInsecure() {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("observability: creating %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("github.com/ai-designing/cadorch"),
	}, nil
}

// StartPipelineRun starts the root span for one orchestrator request.
func (t *Tracer) StartPipelineRun(ctx context.Context, sessionID, requestID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPipelineRun, trace.WithAttributes(
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrRequestID, requestID),
	))
}

// StartStage starts a span for one pipeline stage (plan/generate/validate).
func (t *Tracer) StartStage(ctx context.Context, name, requestID string, iteration int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(AttrRequestID, requestID),
		attribute.Int(AttrIteration, iteration),
	))
}

// StartTaskExecution starts a span for one task within an execution layer.
func (t *Tracer) StartTaskExecution(ctx context.Context, taskID, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanExecuteTask, trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrOperation, operation),
	))
}

// RecordError records err on span and marks it as failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
