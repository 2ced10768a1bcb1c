package publish

import (
	"github.com/rs/zerolog"

	"github.com/cpgflow/cpgflow/cpg"
)

// ZerologPublisher emits events through a structured zerolog logger.
//
// Each event becomes one log record at info level, with failure events
// (*.failed) promoted to warn so they surface in filtered log streams.
type ZerologPublisher struct {
	logger zerolog.Logger
}

// NewZerologPublisher wraps the given logger.
func NewZerologPublisher(logger zerolog.Logger) *ZerologPublisher {
	return &ZerologPublisher{logger: logger}
}

// Publish logs the event.
func (z *ZerologPublisher) Publish(event cpg.ProcessEvent) {
	entry := z.logger.Info()
	if event.EventType == cpg.EventNodeFailed || event.EventType == cpg.EventProcessFailed {
		entry = z.logger.Warn()
	}
	entry.
		Str("eventId", event.EventID).
		Str("eventType", event.EventType).
		Str("correlationId", event.CorrelationID).
		Str("sourceKind", string(event.Source.Kind)).
		Str("sourceId", event.Source.ID).
		Time("timestamp", event.Timestamp).
		Fields(map[string]any{"payload": event.Payload}).
		Msg("process event")
}

// PublishAsync logs the event; zerolog writes are already non-blocking
// enough that no goroutine is spawned.
func (z *ZerologPublisher) PublishAsync(event cpg.ProcessEvent) {
	z.Publish(event)
}
