package cpg

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of a process instance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusSuspended InstanceStatus = "suspended"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionStatus is the state of one node execution record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// NodeExecution is one append-only record of a node run. Repeated
// executions of the same node produce additional records; exactly one
// record per successful run carries the completed status.
type NodeExecution struct {
	NodeID      string          `json:"nodeId"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NodeActivation records why a node is in the active set and with what
// selection priority. Attempt counts retries of the same activation.
type NodeActivation struct {
	Priority    int       `json:"priority"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activatedAt"`
	Attempt     int       `json:"attempt,omitempty"`
}

// ProcessInstance is the aggregate root for one execution of a graph.
//
// Version implements optimistic concurrency: every save through the
// InstanceStore compares the expected version and increments on success.
// All maps and slices are owned by the instance; use Clone before handing
// a copy outside the instance lock.
type ProcessInstance struct {
	ID            string         `json:"id"`
	GraphID       string         `json:"graphId"`
	GraphVersion  string         `json:"graphVersion"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Status        InstanceStatus `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`

	Context        ExecutionContext          `json:"context"`
	NodeExecutions []NodeExecution           `json:"nodeExecutions,omitempty"`
	ActiveNodes    map[string]NodeActivation `json:"activeNodes,omitempty"`
	PendingEdgeIDs map[string]bool           `json:"pendingEdgeIds,omitempty"`

	// RuleOutcomes and PolicyOutcomes hold the outputs of the most recent
	// evaluation of each node, consumed by edge guard groups 2 and 3.
	RuleOutcomes   map[string]map[string]any    `json:"ruleOutcomes,omitempty"`
	PolicyOutcomes map[string]map[string]string `json:"policyOutcomes,omitempty"`

	// ConsecutiveFailures counts action failures per node since the last
	// success, driving the retry bound.
	ConsecutiveFailures map[string]int `json:"consecutiveFailures,omitempty"`

	Version int64 `json:"version"`
}

// NewInstance creates a running instance of the given graph.
func NewInstance(g *ProcessGraph, ctx ExecutionContext, correlationID string) *ProcessInstance {
	return &ProcessInstance{
		ID:                  uuid.NewString(),
		GraphID:             g.ID,
		GraphVersion:        g.Version,
		CorrelationID:       correlationID,
		Status:              StatusRunning,
		StartedAt:           time.Now().UTC(),
		Context:             ctx,
		ActiveNodes:         map[string]NodeActivation{},
		PendingEdgeIDs:      map[string]bool{},
		RuleOutcomes:        map[string]map[string]any{},
		PolicyOutcomes:      map[string]map[string]string{},
		ConsecutiveFailures: map[string]int{},
		Version:             0,
	}
}

// ActiveNodeIDs returns the active set sorted lexicographically.
func (p *ProcessInstance) ActiveNodeIDs() []string {
	ids := make([]string, 0, len(p.ActiveNodes))
	for id := range p.ActiveNodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingEdges returns the pending edge set sorted lexicographically.
func (p *ProcessInstance) PendingEdges() []string {
	ids := make([]string, 0, len(p.PendingEdgeIDs))
	for id := range p.PendingEdgeIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsActive reports whether the node is currently in the active set.
func (p *ProcessInstance) IsActive(nodeID string) bool {
	_, ok := p.ActiveNodes[nodeID]
	return ok
}

// Activate adds a node to the active set. Re-activation keeps the earlier
// activation time but adopts the new priority and reason.
func (p *ProcessInstance) Activate(nodeID string, priority int, reason string) {
	if p.ActiveNodes == nil {
		p.ActiveNodes = map[string]NodeActivation{}
	}
	act := NodeActivation{Priority: priority, Reason: reason, ActivatedAt: time.Now().UTC()}
	if prev, ok := p.ActiveNodes[nodeID]; ok {
		act.ActivatedAt = prev.ActivatedAt
		act.Attempt = prev.Attempt
	}
	p.ActiveNodes[nodeID] = act
}

// Deactivate removes a node from the active set.
func (p *ProcessInstance) Deactivate(nodeID string) {
	delete(p.ActiveNodes, nodeID)
}

// AppendExecution appends a node execution record. History is append-only:
// existing records are never modified.
func (p *ProcessInstance) AppendExecution(exec NodeExecution) {
	p.NodeExecutions = append(p.NodeExecutions, exec)
}

// HasCompleted reports whether the node has at least one completed record.
func (p *ProcessInstance) HasCompleted(nodeID string) bool {
	for i := range p.NodeExecutions {
		if p.NodeExecutions[i].NodeID == nodeID && p.NodeExecutions[i].Status == ExecutionCompleted {
			return true
		}
	}
	return false
}

// ExecutionCount returns the number of execution records for the node.
func (p *ProcessInstance) ExecutionCount(nodeID string) int {
	n := 0
	for i := range p.NodeExecutions {
		if p.NodeExecutions[i].NodeID == nodeID {
			n++
		}
	}
	return n
}

// LastExecution returns the most recent execution record for the node.
func (p *ProcessInstance) LastExecution(nodeID string) (NodeExecution, bool) {
	for i := len(p.NodeExecutions) - 1; i >= 0; i-- {
		if p.NodeExecutions[i].NodeID == nodeID {
			return p.NodeExecutions[i], true
		}
	}
	return NodeExecution{}, false
}

// CompletedNodeIDs returns the set of nodes with a completed record.
func (p *ProcessInstance) CompletedNodeIDs() map[string]bool {
	out := map[string]bool{}
	for i := range p.NodeExecutions {
		if p.NodeExecutions[i].Status == ExecutionCompleted {
			out[p.NodeExecutions[i].NodeID] = true
		}
	}
	return out
}

// RecordRuleOutcomes stores the merged rule outputs of the node's most
// recent evaluation, replacing any earlier snapshot.
func (p *ProcessInstance) RecordRuleOutcomes(nodeID string, outputs map[string]any) {
	if p.RuleOutcomes == nil {
		p.RuleOutcomes = map[string]map[string]any{}
	}
	p.RuleOutcomes[nodeID] = CopyMap(outputs)
}

// RecordPolicyOutcomes stores the gate outcomes of the node's most recent
// evaluation, replacing any earlier snapshot.
func (p *ProcessInstance) RecordPolicyOutcomes(nodeID string, outcomes map[string]string) {
	if p.PolicyOutcomes == nil {
		p.PolicyOutcomes = map[string]map[string]string{}
	}
	cp := make(map[string]string, len(outcomes))
	for k, v := range outcomes {
		cp[k] = v
	}
	p.PolicyOutcomes[nodeID] = cp
}

// Clone deep-copies the instance via a JSON round-trip, the same approach
// the stores use for isolation.
func (p *ProcessInstance) Clone() (*ProcessInstance, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, WrapError(KindUnknown, "marshal instance", err)
	}
	var out ProcessInstance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, WrapError(KindUnknown, "unmarshal instance", err)
	}
	if out.ActiveNodes == nil {
		out.ActiveNodes = map[string]NodeActivation{}
	}
	if out.PendingEdgeIDs == nil {
		out.PendingEdgeIDs = map[string]bool{}
	}
	if out.RuleOutcomes == nil {
		out.RuleOutcomes = map[string]map[string]any{}
	}
	if out.PolicyOutcomes == nil {
		out.PolicyOutcomes = map[string]map[string]string{}
	}
	if out.ConsecutiveFailures == nil {
		out.ConsecutiveFailures = map[string]int{}
	}
	return &out, nil
}
