package publish

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cpgflow/cpgflow/cpg"
)

// OTelPublisher turns each process event into an OpenTelemetry span.
//
// Events are points in time, so the span is started and ended immediately;
// the batch span processor handles export. Attributes follow the
// "cpgflow." namespace:
//
//	cpgflow.event_type      node.completed
//	cpgflow.correlation_id  order-88
//	cpgflow.source_kind     node
//	cpgflow.source_id       check-credit
//
// Failure events (*.failed) set span status to Error and record the
// payload's "error" field when present.
//
// Setup mirrors any OTel integration:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	pub := publish.NewOTelPublisher(otel.Tracer("cpgflow"))
type OTelPublisher struct {
	tracer trace.Tracer
}

// NewOTelPublisher wraps the given tracer.
func NewOTelPublisher(tracer trace.Tracer) *OTelPublisher {
	return &OTelPublisher{tracer: tracer}
}

// Publish records the event as an immediately-ended span.
func (o *OTelPublisher) Publish(event cpg.ProcessEvent) {
	_, span := o.tracer.Start(context.Background(), event.EventType)
	defer span.End()

	span.SetAttributes(
		attribute.String("cpgflow.event_id", event.EventID),
		attribute.String("cpgflow.event_type", event.EventType),
		attribute.String("cpgflow.correlation_id", event.CorrelationID),
		attribute.String("cpgflow.source_kind", string(event.Source.Kind)),
		attribute.String("cpgflow.source_id", event.Source.ID),
	)
	o.addPayloadAttributes(span, event.Payload)

	if event.EventType == cpg.EventNodeFailed || event.EventType == cpg.EventProcessFailed {
		msg := "failure event"
		if s, ok := event.Payload["error"].(string); ok {
			msg = s
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

// PublishAsync records the event on a separate goroutine.
func (o *OTelPublisher) PublishAsync(event cpg.ProcessEvent) {
	go o.Publish(event)
}

// Flush forces export of buffered spans; call before shutdown.
func (o *OTelPublisher) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelPublisher) addPayloadAttributes(span trace.Span, payload map[string]any) {
	for key, value := range payload {
		attrKey := "cpgflow.payload." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
