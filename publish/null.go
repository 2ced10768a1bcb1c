package publish

import "github.com/cpgflow/cpgflow/cpg"

// NullPublisher discards every event. Used as the default when no publisher
// is configured so engine code never nil-checks.
type NullPublisher struct{}

// NewNullPublisher returns a publisher that drops everything.
func NewNullPublisher() *NullPublisher { return &NullPublisher{} }

// Publish discards the event.
func (NullPublisher) Publish(cpg.ProcessEvent) {}

// PublishAsync discards the event.
func (NullPublisher) PublishAsync(cpg.ProcessEvent) {}
