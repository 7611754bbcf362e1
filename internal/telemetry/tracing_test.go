package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartJobSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartJobSpan(context.Background(), "job-1", "command")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "job.execute" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "job.execute")
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["opsplane.job_id"] != "job-1" {
		t.Errorf("job_id attr = %q, want %q", attrs["opsplane.job_id"], "job-1")
	}
	if attrs["opsplane.kind"] != "command" {
		t.Errorf("kind attr = %q, want %q", attrs["opsplane.kind"], "command")
	}
}

func TestTaskSpanNestsUnderJobSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, jobSpan := StartJobSpan(context.Background(), "job-1", "script")
	_, taskSpan := StartTaskSpan(ctx, "task-1", "web-01")
	EndTaskSpan(taskSpan, "succeeded", 0, 1)
	jobSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	// Syncer exports on End, so the task span comes first.
	if spans[0].Name != "task.run" {
		t.Fatalf("first span = %q, want task.run", spans[0].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Errorf("task span is not a child of the job span")
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["opsplane.status"] != "succeeded" {
		t.Errorf("status attr = %q, want succeeded", attrs["opsplane.status"])
	}
	if attrs["opsplane.retries"] != "1" {
		t.Errorf("retries attr = %q, want 1", attrs["opsplane.retries"])
	}
}

func TestStartDispatchSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartDispatchSpan(context.Background(), "task-9", "go", "runner-1")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "build.dispatch" {
		t.Errorf("span name = %q, want build.dispatch", spans[0].Name)
	}
}
