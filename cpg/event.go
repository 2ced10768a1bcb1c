package cpg

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind identifies where a process event originated.
type SourceKind string

const (
	SourceNode     SourceKind = "node"
	SourceExternal SourceKind = "external"
	SourceSystem   SourceKind = "system"
	SourceUser     SourceKind = "user"
)

// EventSource pairs the origin kind with an identifier (node ID, system
// component, user principal, or an external system name).
type EventSource struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
}

// Lifecycle event types published by the engine. Per-node emissions from
// EventConfig.Emits are published in addition to this set.
const (
	EventProcessStarted   = "process.started"
	EventProcessCompleted = "process.completed"
	EventProcessFailed    = "process.failed"
	EventProcessSuspended = "process.suspended"
	EventProcessResumed   = "process.resumed"
	EventProcessCancelled = "process.cancelled"
	EventNodeStarted      = "node.started"
	EventNodeExecuted     = "node.executed"
	EventNodeFailed       = "node.failed"
	EventNodeSkipped      = "node.skipped"
	EventEdgeTraversed    = "edge.traversed"
)

// ProcessEvent is an event flowing through the engine: either published by
// the engine itself (lifecycle, per-node emissions) or signalled in from
// outside and correlated to running instances.
//
// The payload is deep-copied on construction and must be treated as
// immutable afterwards.
type ProcessEvent struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	Source        EventSource    `json:"source"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent constructs a ProcessEvent with a fresh ID and timestamp.
// The payload map is deep-copied so later mutation by the caller cannot
// leak into dispatched events.
func NewEvent(eventType string, source EventSource, correlationID string, payload map[string]any) ProcessEvent {
	return ProcessEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Source:        source,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       CopyMap(payload),
	}
}

// ReceivedEvent is the append-only record of an event delivered to one
// instance's event history, including how it was matched.
type ReceivedEvent struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	Payload       map[string]any `json:"payload,omitempty"`

	// MatchedBy records the correlation method: "correlation-id",
	// "expression", or "event-type".
	MatchedBy string `json:"matchedBy"`
}

// Received converts an incoming event into its per-instance history record.
func (e ProcessEvent) Received(matchedBy string) ReceivedEvent {
	return ReceivedEvent{
		EventID:       e.EventID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		ReceivedAt:    time.Now().UTC(),
		Payload:       CopyMap(e.Payload),
		MatchedBy:     matchedBy,
	}
}
