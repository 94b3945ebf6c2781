package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each event as an
// OpenTelemetry span.
//
// Each event becomes a point-in-time span named after the event message,
// with the run identity, step, node, and metadata attached as attributes.
// Error metadata sets the span status to Error.
//
// Usage:
//
//	tracer := otel.Tracer("swarm")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("swarm.run_id", event.RunID),
		attribute.String("swarm.attempt_id", event.AttemptID),
		attribute.Int("swarm.seq", event.Seq),
		attribute.Int("swarm.step", event.Step),
		attribute.Int("swarm.event_schema_version", event.SchemaVersion),
	)
	if event.Node != "" {
		span.SetAttributes(attribute.String("swarm.node", event.Node))
	}
	if event.TaskID != "" {
		span.SetAttributes(attribute.String("swarm.task_id", event.TaskID))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("swarm.meta."+key, value))
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans when the installed tracer provider
// supports it (the SDK batch processor does; the noop provider does not).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
