// Package telemetry configures OpenTelemetry tracing for the control
// plane. Custom span attributes use the `opsplane.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "opsplane.io/control-plane"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("opsplane-control-plane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartJobSpan creates the parent span for one job execution.
func StartJobSpan(ctx context.Context, jobID, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("opsplane.job_id", jobID),
			attribute.String("opsplane.kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartTaskSpan creates a child span for one task attempt against a host.
func StartTaskSpan(ctx context.Context, taskID, hostID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("opsplane.task_id", taskID),
			attribute.String("opsplane.host_id", hostID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndTaskSpan enriches the task span with the outcome.
func EndTaskSpan(span trace.Span, status string, exitCode int, retries int) {
	span.SetAttributes(
		attribute.String("opsplane.status", status),
		attribute.Int("opsplane.exit_code", exitCode),
		attribute.Int("opsplane.retries", retries),
	)
	span.End()
}

// StartDispatchSpan creates a child span for a build dispatch.
func StartDispatchSpan(ctx context.Context, taskID, buildType, runner string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "build.dispatch",
		trace.WithAttributes(
			attribute.String("opsplane.task_id", taskID),
			attribute.String("opsplane.build_type", buildType),
			attribute.String("opsplane.runner", runner),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartApprovalSpan creates a span for an approval decision.
func StartApprovalSpan(ctx context.Context, requestID, decision string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "approval.decide",
		trace.WithAttributes(
			attribute.String("opsplane.approval_id", requestID),
			attribute.String("opsplane.decision", decision),
		),
	)
}
