// Package store provides persistence ports for the orchestration engine:
// read-only graph templates, process instances with optimistic versioning,
// and the append-only decision trace log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
)

// ErrNotFound is returned when a requested graph, instance, or trace does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by SaveInstance when the expected version
// does not match the stored version. The caller re-reads and re-steps.
var ErrVersionConflict = errors.New("version conflict")

// GraphStore serves immutable graph templates to the engine.
//
// The engine only reads; authoring and publication live outside the core.
type GraphStore interface {
	// GetGraph loads a template by ID and version. An empty version selects
	// the latest published version. Returns ErrNotFound if no match exists.
	GetGraph(ctx context.Context, graphID, version string) (*cpg.ProcessGraph, error)

	// PutGraph stores a template. Overwrites any existing (ID, Version).
	PutGraph(ctx context.Context, g *cpg.ProcessGraph) error
}

// InstanceStore persists process instances with optimistic concurrency.
//
// Implementations must provide strict per-instance serializability: two
// concurrent saves for the same instance must not both succeed with the
// same expected version.
type InstanceStore interface {
	// LoadInstance returns an isolated copy of the instance.
	LoadInstance(ctx context.Context, instanceID string) (*cpg.ProcessInstance, error)

	// SaveInstance stores the instance if the persisted version equals
	// expectedVersion, then advances both the stored and the in-memory
	// Version to expectedVersion+1. A new instance saves with
	// expectedVersion 0. Returns ErrVersionConflict on mismatch.
	SaveInstance(ctx context.Context, inst *cpg.ProcessInstance, expectedVersion int64) error

	// ListInstances returns isolated copies of all stored instances.
	// The dispatcher filters terminal instances itself.
	ListInstances(ctx context.Context) ([]*cpg.ProcessInstance, error)
}

// TraceStore is the write-mostly audit log. Traces are immutable once
// appended; implementations must preserve (timestamp, traceID) ordering
// within an instance.
type TraceStore interface {
	AppendTrace(ctx context.Context, tr *cpg.DecisionTrace) error
	GetTrace(ctx context.Context, traceID string) (*cpg.DecisionTrace, error)
	ListTraces(ctx context.Context, instanceID string) ([]*cpg.DecisionTrace, error)
	ListTracesByType(ctx context.Context, instanceID string, t cpg.TraceType) ([]*cpg.DecisionTrace, error)
	ListTracesInRange(ctx context.Context, instanceID string, from, to time.Time) ([]*cpg.DecisionTrace, error)
	LatestTrace(ctx context.Context, instanceID string) (*cpg.DecisionTrace, error)

	// DeleteTracesBefore bulk-deletes traces older than the cutoff and
	// returns the number removed. Retention policy is caller-supplied.
	DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int, error)
}
