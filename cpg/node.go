package cpg

// ActionType classifies what a node does when it executes.
type ActionType string

const (
	ActionSystemInvocation ActionType = "system-invocation"
	ActionHumanTask        ActionType = "human-task"
	ActionAgentAssisted    ActionType = "agent-assisted"
	ActionDecision         ActionType = "decision"
	ActionNotification     ActionType = "notification"
	ActionWait             ActionType = "wait"
)

// RuleCategory determines how a business rule's scalar output is keyed when
// merged into accumulated state.
type RuleCategory string

const (
	RuleExecutionParameter RuleCategory = "execution-parameter"
	RuleObligation         RuleCategory = "obligation"
	RuleSLA                RuleCategory = "sla"
	RuleDerivation         RuleCategory = "derivation"
)

// Preconditions are expressions that must all evaluate truthy for a node to
// be available. Client-scope expressions see caller-supplied context;
// domain-scope expressions see business data.
type Preconditions struct {
	Client []string `json:"client,omitempty"`
	Domain []string `json:"domain,omitempty"`
}

// PolicyGate is a declarative check: the named decision is evaluated and its
// outcome must match ExpectedOutcome for the node to be available.
type PolicyGate struct {
	Name            string `json:"name"`
	Decision        string `json:"decision"`
	ExpectedOutcome string `json:"expectedOutcome"`
	PolicyType      string `json:"policyType,omitempty"`
}

// BusinessRule references a decision whose outputs are merged into state and
// fed to downstream edge guards and the action handler.
type BusinessRule struct {
	Name     string       `json:"name"`
	Decision string       `json:"decision"`
	Category RuleCategory `json:"category"`
}

// ActionConfig carries execution knobs for a node's action.
type ActionConfig struct {
	Async          bool           `json:"async,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	RetryCount     int            `json:"retryCount,omitempty"`
	AssigneeExpr   string         `json:"assigneeExpr,omitempty"`
	FormRef        string         `json:"formRef,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// ActionSpec names what runs when the node executes: the action type, the
// handler reference resolved by the action registry, and its configuration.
type ActionSpec struct {
	Type       ActionType   `json:"type"`
	HandlerRef string       `json:"handlerRef,omitempty"`
	Config     ActionConfig `json:"config,omitempty"`
}

// EmitTiming places a configured emission in the node lifecycle.
type EmitTiming string

const (
	EmitOnStart    EmitTiming = "on-start"
	EmitOnComplete EmitTiming = "on-complete"
	EmitOnFailure  EmitTiming = "on-failure"
)

// Subscription registers interest in an external event type. The optional
// correlation expression narrows matches beyond the correlation ID.
type Subscription struct {
	EventType       string `json:"eventType"`
	CorrelationExpr string `json:"correlationExpr,omitempty"`
}

// Emission declares an event the node publishes at a lifecycle point. The
// optional payload expression is evaluated against the runtime scope.
type Emission struct {
	EventType   string     `json:"eventType"`
	Timing      EmitTiming `json:"timing"`
	PayloadExpr string     `json:"payloadExpr,omitempty"`
}

// EventConfig groups a node's event subscriptions and emissions.
type EventConfig struct {
	Subscribes []Subscription `json:"subscribes,omitempty"`
	Emits      []Emission     `json:"emits,omitempty"`
}

// RemediationStrategy selects the recovery path for a failed action.
type RemediationStrategy string

const (
	RemediationRetry      RemediationStrategy = "retry"
	RemediationCompensate RemediationStrategy = "compensate"
	RemediationAlternate  RemediationStrategy = "alternate"
	RemediationSkip       RemediationStrategy = "skip"
	RemediationFail       RemediationStrategy = "fail"
)

// RemediationRoute maps an error type to its recovery strategy.
type RemediationRoute struct {
	ErrorType          string              `json:"errorType"`
	Strategy           RemediationStrategy `json:"strategy"`
	MaxRetries         int                 `json:"maxRetries,omitempty"`
	AlternateNodeID    string              `json:"alternateNodeId,omitempty"`
	CompensatingEdgeID string              `json:"compensatingEdgeId,omitempty"`
}

// EscalationRoute activates an escalation node when the matching error type
// has no remediation left, with an SLA for the escalation itself.
type EscalationRoute struct {
	ErrorType  string `json:"errorType"`
	NodeID     string `json:"nodeId"`
	SLAMinutes int    `json:"slaMinutes,omitempty"`
}

// ExceptionRoutes holds a node's failure handling configuration.
// Remediations are keyed by error type; "*" matches any.
type ExceptionRoutes struct {
	Remediations map[string]RemediationRoute `json:"remediations,omitempty"`
	Escalations  []EscalationRoute           `json:"escalations,omitempty"`
}

// Node is a governed decision point in a process graph: preconditions and
// policy gates decide availability, business rules derive state, the action
// does the work, and event configuration wires it to the outside world.
type Node struct {
	ID            string            `json:"id"`
	Version       string            `json:"version,omitempty"`
	Preconditions Preconditions     `json:"preconditions,omitempty"`
	PolicyGates   []PolicyGate      `json:"policyGates,omitempty"`
	BusinessRules []BusinessRule    `json:"businessRules,omitempty"`
	Action        ActionSpec        `json:"action"`
	Events        EventConfig       `json:"events,omitempty"`
	Exceptions    ExceptionRoutes   `json:"exceptions,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SubscribesTo reports whether the node subscribes to the given event type
// and returns the matching subscription.
func (n *Node) SubscribesTo(eventType string) (Subscription, bool) {
	for _, sub := range n.Events.Subscribes {
		if sub.EventType == eventType {
			return sub, true
		}
	}
	return Subscription{}, false
}

// EmitsAt returns the emissions configured for the given lifecycle timing.
func (n *Node) EmitsAt(timing EmitTiming) []Emission {
	var out []Emission
	for _, em := range n.Events.Emits {
		if em.Timing == timing {
			out = append(out, em)
		}
	}
	return out
}

// Remediation looks up the route for an error type, falling back to the
// wildcard route when present.
func (n *Node) Remediation(errorType string) (RemediationRoute, bool) {
	if r, ok := n.Exceptions.Remediations[errorType]; ok {
		return r, true
	}
	if r, ok := n.Exceptions.Remediations["*"]; ok {
		return r, true
	}
	return RemediationRoute{}, false
}

// Escalation looks up the escalation route for an error type, falling back
// to the wildcard route when present.
func (n *Node) Escalation(errorType string) (EscalationRoute, bool) {
	var wildcard *EscalationRoute
	for i := range n.Exceptions.Escalations {
		esc := n.Exceptions.Escalations[i]
		if esc.ErrorType == errorType {
			return esc, true
		}
		if esc.ErrorType == "*" && wildcard == nil {
			wildcard = &esc
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return EscalationRoute{}, false
}
