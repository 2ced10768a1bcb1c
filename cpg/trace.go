package cpg

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// TraceType classifies one engine step for audit queries.
type TraceType string

const (
	TraceNavigation       TraceType = "navigation"
	TraceExecution        TraceType = "execution"
	TraceWait             TraceType = "wait"
	TraceEvent            TraceType = "event"
	TraceGovernanceReject TraceType = "governance-reject"
	TraceRetry            TraceType = "retry"
	TraceCompensate       TraceType = "compensate"
	TraceTerminal         TraceType = "terminal"
)

// NodeConsideration records why one candidate node was available or
// blocked during eligible-space assembly.
type NodeConsideration struct {
	NodeID        string `json:"nodeId"`
	Available     bool   `json:"available"`
	BlockedReason string `json:"blockedReason,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Priority      int    `json:"priority"`
}

// EdgeConsideration records the evaluation of one outbound edge.
type EdgeConsideration struct {
	EdgeID        string `json:"edgeId"`
	Traversable   bool   `json:"traversable"`
	BlockedReason string `json:"blockedReason,omitempty"`
	Selected      bool   `json:"selected"`
}

// ContextSnapshot is the bounded-size context summary stored with a trace:
// key names and counts only, never full values.
type ContextSnapshot struct {
	ClientKeys      []string `json:"clientKeys,omitempty"`
	DomainKeys      []string `json:"domainKeys,omitempty"`
	StateKeys       []string `json:"stateKeys,omitempty"`
	EventCount      int      `json:"eventCount"`
	ObligationCount int      `json:"obligationCount"`
	SystemState     string   `json:"systemState,omitempty"`
}

// EvaluationSnapshot lists what the evaluator considered in this step.
type EvaluationSnapshot struct {
	Nodes []NodeConsideration `json:"nodes,omitempty"`
	Edges []EdgeConsideration `json:"edges,omitempty"`
}

// DecisionSnapshot records what was selected and why.
type DecisionSnapshot struct {
	SelectedNodeIDs []string `json:"selectedNodeIds,omitempty"`
	Criterion       string   `json:"criterion,omitempty"`
	Alternatives    []string `json:"alternatives,omitempty"`
}

// GovernanceCheck is the result of one governance check.
type GovernanceCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// GovernanceSnapshot records the governance verdict for the step.
type GovernanceSnapshot struct {
	Evaluated bool              `json:"evaluated"`
	Approved  bool              `json:"approved"`
	Reason    string            `json:"reason,omitempty"`
	Checks    []GovernanceCheck `json:"checks,omitempty"`
}

// OutcomeSnapshot records what the step actually did.
type OutcomeSnapshot struct {
	Status         string   `json:"status"`
	Executed       []string `json:"executed,omitempty"`
	Failed         []string `json:"failed,omitempty"`
	Error          string   `json:"error,omitempty"`
	StateDeltaKeys []string `json:"stateDeltaKeys,omitempty"`
}

// DecisionTrace is the immutable audit record of one engine step. Traces
// are ordered by (instanceID, timestamp, traceID) and never mutated after
// the step that produced them commits.
type DecisionTrace struct {
	TraceID    string             `json:"traceId"`
	Timestamp  time.Time          `json:"timestamp"`
	InstanceID string             `json:"instanceId"`
	Type       TraceType          `json:"type"`
	Context    ContextSnapshot    `json:"context"`
	Evaluation EvaluationSnapshot `json:"evaluation"`
	Decision   DecisionSnapshot   `json:"decision"`
	Governance GovernanceSnapshot `json:"governance"`
	Outcome    OutcomeSnapshot    `json:"outcome"`
}

// NewTrace starts a trace for the given instance and step type.
func NewTrace(instanceID string, t TraceType) *DecisionTrace {
	return &DecisionTrace{
		TraceID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Type:       t,
	}
}

// SummarizeContext builds the bounded context snapshot for a trace.
func SummarizeContext(c *ExecutionContext, systemState string) ContextSnapshot {
	return ContextSnapshot{
		ClientKeys:      sortedKeys(c.Client),
		DomainKeys:      sortedKeys(c.Domain),
		StateKeys:       sortedKeys(c.State),
		EventCount:      len(c.EventHistory),
		ObligationCount: len(c.Obligations),
		SystemState:     systemState,
	}
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
