// Package publish delivers engine lifecycle and per-node events to
// observability backends.
//
// The engine treats publishers as fire-and-forget: implementations must be
// thread-safe, must not block the orchestration loop, and must not panic.
// A slow or failing backend should buffer or drop, never stall a step.
package publish

import "github.com/cpgflow/cpgflow/cpg"

// Publisher receives events published by the engine.
type Publisher interface {
	// Publish delivers one event synchronously from the caller's
	// perspective; implementations should still return quickly.
	Publish(event cpg.ProcessEvent)

	// PublishAsync delivers the event without blocking the caller.
	PublishAsync(event cpg.ProcessEvent)
}

// Multi fans one event out to several publishers in order.
type Multi []Publisher

// Publish delivers the event to every wrapped publisher.
func (m Multi) Publish(event cpg.ProcessEvent) {
	for _, p := range m {
		p.Publish(event)
	}
}

// PublishAsync delivers the event asynchronously to every wrapped publisher.
func (m Multi) PublishAsync(event cpg.ProcessEvent) {
	for _, p := range m {
		p.PublishAsync(event)
	}
}
