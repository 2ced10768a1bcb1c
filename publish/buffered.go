package publish

import (
	"sync"

	"github.com/cpgflow/cpgflow/cpg"
)

// BufferedPublisher captures events in memory, keyed by correlation ID.
//
// Intended for tests, debugging, and post-run analysis. Everything stays in
// memory, so long-running deployments should use a log or OTel publisher
// instead, or clear correlations as they complete.
type BufferedPublisher struct {
	mu     sync.RWMutex
	events map[string][]cpg.ProcessEvent
}

// EventFilter narrows a History query. Empty fields match everything;
// populated fields combine with AND.
type EventFilter struct {
	EventType  string
	SourceKind cpg.SourceKind
	SourceID   string
}

// NewBufferedPublisher creates an empty buffer.
func NewBufferedPublisher() *BufferedPublisher {
	return &BufferedPublisher{events: make(map[string][]cpg.ProcessEvent)}
}

// Publish stores the event.
func (b *BufferedPublisher) Publish(event cpg.ProcessEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.CorrelationID] = append(b.events[event.CorrelationID], event)
}

// PublishAsync stores the event; buffering is cheap enough to do inline.
func (b *BufferedPublisher) PublishAsync(event cpg.ProcessEvent) {
	b.Publish(event)
}

// History returns a copy of all events for a correlation ID in publish order.
func (b *BufferedPublisher) History(correlationID string) []cpg.ProcessEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[correlationID]
	out := make([]cpg.ProcessEvent, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns matching events for a correlation ID.
func (b *BufferedPublisher) HistoryWithFilter(correlationID string, filter EventFilter) []cpg.ProcessEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []cpg.ProcessEvent{}
	for _, ev := range b.events[correlationID] {
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.SourceKind != "" && ev.Source.Kind != filter.SourceKind {
			continue
		}
		if filter.SourceID != "" && ev.Source.ID != filter.SourceID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear drops events for one correlation ID, or everything when the ID is
// empty.
func (b *BufferedPublisher) Clear(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if correlationID == "" {
		b.events = make(map[string][]cpg.ProcessEvent)
		return
	}
	delete(b.events, correlationID)
}
