package emit

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelEmitter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(provider.Tracer("swarm-test"))
	emitter.Emit(Event{
		RunID:         "run-001",
		AttemptID:     "attempt-1",
		Seq:           3,
		Step:          1,
		Node:          "fetch",
		TaskID:        "t.1.fetch",
		Msg:           MsgTaskFinished,
		Meta:          map[string]interface{}{"outcome": "ok", "duration_ms": int64(12)},
		SchemaVersion: SchemaVersion,
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != MsgTaskFinished {
		t.Errorf("expected span named %s, got %s", MsgTaskFinished, span.Name())
	}

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["swarm.run_id"] != "run-001" {
		t.Errorf("expected run_id attribute, got %v", attrs)
	}
	if attrs["swarm.node"] != "fetch" {
		t.Errorf("expected node attribute, got %v", attrs)
	}
	if _, ok := attrs["swarm.meta.outcome"]; !ok {
		t.Errorf("expected meta attributes, got %v", attrs)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(provider.Tracer("swarm-test"))
	emitter.Emit(Event{
		RunID: "run-001",
		Msg:   MsgTaskFinished,
		Meta:  map[string]interface{}{"error": "node exploded"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	if spans[0].Status().Description != "node exploded" {
		t.Errorf("expected error status, got %+v", spans[0].Status())
	}
}
