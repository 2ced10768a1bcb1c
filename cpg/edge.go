package cpg

// SemanticsType describes how an edge participates in traversal.
type SemanticsType string

const (
	SemanticsSequential   SemanticsType = "sequential"
	SemanticsParallel     SemanticsType = "parallel"
	SemanticsCompensating SemanticsType = "compensating"
)

// JoinPolicy applies to parallel edges converging on one target.
type JoinPolicy string

const (
	JoinAll  JoinPolicy = "all"
	JoinAny  JoinPolicy = "any"
	JoinNOfM JoinPolicy = "n-of-m"
)

// ExecutionSemantics configures an edge's traversal behavior. JoinCount is
// only meaningful for parallel edges with the n-of-m policy.
type ExecutionSemantics struct {
	Type      SemanticsType `json:"type"`
	Join      JoinPolicy    `json:"join,omitempty"`
	JoinCount int           `json:"joinCount,omitempty"`
}

// EventCondition guards an edge on event history: when MustHaveOccurred is
// true the event type must appear in the instance history, otherwise it
// must be absent.
type EventCondition struct {
	EventType        string `json:"eventType"`
	MustHaveOccurred bool   `json:"mustHaveOccurred"`
}

// RuleOutcomeCondition matches a rule output of the edge's source node,
// produced by its most recent execution.
type RuleOutcomeCondition struct {
	Key      string `json:"key"`
	Expected any    `json:"expected"`
}

// PolicyOutcomeCondition matches a policy gate outcome of the edge's source
// node, produced by its most recent evaluation.
type PolicyOutcomeCondition struct {
	Gate     string `json:"gate"`
	Expected string `json:"expected"`
}

// GuardConditions are the four guard groups of an edge. All groups must
// pass for the edge to be traversable.
type GuardConditions struct {
	Context        []string                 `json:"context,omitempty"`
	RuleOutcomes   []RuleOutcomeCondition   `json:"ruleOutcomes,omitempty"`
	PolicyOutcomes []PolicyOutcomeCondition `json:"policyOutcomes,omitempty"`
	Events         []EventCondition         `json:"events,omitempty"`
}

// EdgePriority orders competing traversable edges at the same source.
// An exclusive edge dominates every non-exclusive peer; weight breaks ties
// within the same exclusivity tier, rank within the same weight.
type EdgePriority struct {
	Weight    int  `json:"weight,omitempty"`
	Rank      int  `json:"rank,omitempty"`
	Exclusive bool `json:"exclusive,omitempty"`
}

// EventTriggers wires an edge to the dispatcher: activating events schedule
// its target when the source has completed, re-evaluation events re-check a
// pending edge.
type EventTriggers struct {
	Activating   []string `json:"activating,omitempty"`
	Reevaluation []string `json:"reevaluation,omitempty"`
}

// CompensationStrategy selects the edge-level recovery behavior applied
// when the source node fails without a node-level remediation.
type CompensationStrategy string

const (
	CompensateRetry     CompensationStrategy = "retry"
	CompensateRollback  CompensationStrategy = "rollback"
	CompensateAlternate CompensationStrategy = "alternate"
	CompensateEscalate  CompensationStrategy = "escalate"
)

// CompensationSemantics configures edge-level recovery.
type CompensationSemantics struct {
	Strategy           CompensationStrategy `json:"strategy"`
	MaxRetries         int                  `json:"maxRetries,omitempty"`
	CompensatingEdgeID string               `json:"compensatingEdgeId,omitempty"`
}

// Edge is a permissible transition between two nodes, guarded by the four
// guard groups and ordered by priority among its peers.
type Edge struct {
	ID           string                 `json:"id"`
	Source       string                 `json:"source"`
	Target       string                 `json:"target"`
	Guards       GuardConditions        `json:"guards,omitempty"`
	Semantics    ExecutionSemantics     `json:"semantics"`
	Priority     EdgePriority           `json:"priority,omitempty"`
	Triggers     EventTriggers          `json:"triggers,omitempty"`
	Compensation *CompensationSemantics `json:"compensation,omitempty"`
}

// IsCompensating reports whether the edge is a compensating edge, which is
// never selected by forward traversal.
func (e *Edge) IsCompensating() bool {
	return e.Semantics.Type == SemanticsCompensating
}

// TriggeredBy reports whether eventType appears in the activating list.
func (e *Edge) TriggeredBy(eventType string) bool {
	for _, t := range e.Triggers.Activating {
		if t == eventType {
			return true
		}
	}
	return false
}

// ReevaluatedBy reports whether eventType appears in the re-evaluation list.
func (e *Edge) ReevaluatedBy(eventType string) bool {
	for _, t := range e.Triggers.Reevaluation {
		if t == eventType {
			return true
		}
	}
	return false
}
