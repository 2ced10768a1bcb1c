package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
)

// MemStore is the in-memory reference implementation of GraphStore,
// InstanceStore, and TraceStore.
//
// Designed for testing, development, and single-process deployments.
// All methods are safe for concurrent use; instances are isolated by JSON
// round-trip copies so callers never share mutable state with the store.
// Data is lost when the process terminates; use SQLiteStore or MySQLStore
// for durability.
type MemStore struct {
	mu        sync.RWMutex
	graphs    map[string]*cpg.ProcessGraph   // "graphId@version" -> graph
	instances map[string][]byte              // instanceID -> JSON record
	versions  map[string]int64               // instanceID -> stored version
	traces    map[string][]cpg.DecisionTrace // instanceID -> ordered traces
	traceIdx  map[string]cpg.DecisionTrace   // traceID -> trace
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		graphs:    map[string]*cpg.ProcessGraph{},
		instances: map[string][]byte{},
		versions:  map[string]int64{},
		traces:    map[string][]cpg.DecisionTrace{},
		traceIdx:  map[string]cpg.DecisionTrace{},
	}
}

// PutGraph stores a template, replacing any existing (ID, Version).
func (m *MemStore) PutGraph(_ context.Context, g *cpg.ProcessGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[g.Key()] = g
	return nil
}

// GetGraph loads a template. An empty version selects the latest published
// version by lexicographic version order.
func (m *MemStore) GetGraph(_ context.Context, graphID, version string) (*cpg.ProcessGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if version != "" {
		g, ok := m.graphs[graphID+"@"+version]
		if !ok {
			return nil, ErrNotFound
		}
		return g, nil
	}

	var best *cpg.ProcessGraph
	for _, g := range m.graphs {
		if g.ID != graphID || g.Status != cpg.GraphPublished {
			continue
		}
		if best == nil || g.Version > best.Version {
			best = g
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// SaveInstance persists the instance under optimistic concurrency.
func (m *MemStore) SaveInstance(_ context.Context, inst *cpg.ProcessInstance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.versions[inst.ID]
	if exists && stored != expectedVersion {
		return ErrVersionConflict
	}
	if !exists && expectedVersion != 0 {
		return ErrVersionConflict
	}

	next := expectedVersion + 1
	inst.Version = next
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	m.instances[inst.ID] = data
	m.versions[inst.ID] = next
	return nil
}

// LoadInstance returns an isolated copy of the instance.
func (m *MemStore) LoadInstance(_ context.Context, instanceID string) (*cpg.ProcessInstance, error) {
	m.mu.RLock()
	data, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeInstance(data)
}

// ListInstances returns isolated copies of every stored instance, sorted by
// instance ID for deterministic iteration.
func (m *MemStore) ListInstances(_ context.Context) ([]*cpg.ProcessInstance, error) {
	m.mu.RLock()
	blobs := make([][]byte, 0, len(m.instances))
	for _, data := range m.instances {
		blobs = append(blobs, data)
	}
	m.mu.RUnlock()

	out := make([]*cpg.ProcessInstance, 0, len(blobs))
	for _, data := range blobs {
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func decodeInstance(data []byte) (*cpg.ProcessInstance, error) {
	var inst cpg.ProcessInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	if inst.ActiveNodes == nil {
		inst.ActiveNodes = map[string]cpg.NodeActivation{}
	}
	if inst.PendingEdgeIDs == nil {
		inst.PendingEdgeIDs = map[string]bool{}
	}
	if inst.RuleOutcomes == nil {
		inst.RuleOutcomes = map[string]map[string]any{}
	}
	if inst.PolicyOutcomes == nil {
		inst.PolicyOutcomes = map[string]map[string]string{}
	}
	if inst.ConsecutiveFailures == nil {
		inst.ConsecutiveFailures = map[string]int{}
	}
	return &inst, nil
}

// AppendTrace appends an immutable trace record.
func (m *MemStore) AppendTrace(_ context.Context, tr *cpg.DecisionTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[tr.InstanceID] = append(m.traces[tr.InstanceID], *tr)
	m.traceIdx[tr.TraceID] = *tr
	return nil
}

// GetTrace returns one trace by ID.
func (m *MemStore) GetTrace(_ context.Context, traceID string) (*cpg.DecisionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.traceIdx[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := tr
	return &cp, nil
}

// ListTraces returns the instance's traces ordered by (timestamp, traceID).
func (m *MemStore) ListTraces(_ context.Context, instanceID string) ([]*cpg.DecisionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedTraces(instanceID, func(cpg.DecisionTrace) bool { return true }), nil
}

// ListTracesByType filters one instance's traces by step type.
func (m *MemStore) ListTracesByType(_ context.Context, instanceID string, t cpg.TraceType) ([]*cpg.DecisionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedTraces(instanceID, func(tr cpg.DecisionTrace) bool { return tr.Type == t }), nil
}

// ListTracesInRange filters one instance's traces by time window
// (inclusive from, exclusive to).
func (m *MemStore) ListTracesInRange(_ context.Context, instanceID string, from, to time.Time) ([]*cpg.DecisionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedTraces(instanceID, func(tr cpg.DecisionTrace) bool {
		return !tr.Timestamp.Before(from) && tr.Timestamp.Before(to)
	}), nil
}

// LatestTrace returns the most recent trace for the instance.
func (m *MemStore) LatestTrace(_ context.Context, instanceID string) (*cpg.DecisionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedTraces(instanceID, func(cpg.DecisionTrace) bool { return true })
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[len(all)-1], nil
}

// DeleteTracesBefore removes traces older than the cutoff across all
// instances and returns the number deleted.
func (m *MemStore) DeleteTracesBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, list := range m.traces {
		kept := list[:0]
		for _, tr := range list {
			if tr.Timestamp.Before(cutoff) {
				delete(m.traceIdx, tr.TraceID)
				deleted++
				continue
			}
			kept = append(kept, tr)
		}
		if len(kept) == 0 {
			delete(m.traces, id)
			continue
		}
		m.traces[id] = kept
	}
	return deleted, nil
}

func (m *MemStore) sortedTraces(instanceID string, keep func(cpg.DecisionTrace) bool) []*cpg.DecisionTrace {
	list := m.traces[instanceID]
	out := make([]*cpg.DecisionTrace, 0, len(list))
	for i := range list {
		if keep(list[i]) {
			cp := list[i]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].TraceID < out[j].TraceID
	})
	return out
}
