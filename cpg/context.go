package cpg

import (
	"encoding/json"
	"time"
)

// ObligationStatus tracks the lifecycle of a process obligation.
type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "pending"
	ObligationFulfilled ObligationStatus = "fulfilled"
	ObligationBreached  ObligationStatus = "breached"
	ObligationWaived    ObligationStatus = "waived"
)

// Obligation is a commitment produced during execution, typically by a
// business rule of category "obligation", with a deadline.
type Obligation struct {
	ID          string           `json:"id"`
	Description string           `json:"description,omitempty"`
	Deadline    time.Time        `json:"deadline"`
	Status      ObligationStatus `json:"status"`
}

// ExecutionContext is the per-instance data the expression language sees,
// split into five compartments. Client and Domain are supplied at start;
// State accumulates handler outputs and rule derivations; EventHistory and
// Obligations are append-only.
type ExecutionContext struct {
	Client       map[string]any  `json:"client,omitempty"`
	Domain       map[string]any  `json:"domain,omitempty"`
	State        map[string]any  `json:"state,omitempty"`
	EventHistory []ReceivedEvent `json:"eventHistory,omitempty"`
	Obligations  []Obligation    `json:"obligations,omitempty"`
}

// NewExecutionContext builds a context from caller-supplied compartments,
// deep-copying both so the caller cannot mutate instance state afterwards.
func NewExecutionContext(client, domain map[string]any) ExecutionContext {
	return ExecutionContext{
		Client: CopyMap(client),
		Domain: CopyMap(domain),
		State:  map[string]any{},
	}
}

// Scope builds the read-only evaluation scope: the five namespaced keys
// first, then flattened convenience keys from client, domain, and state in
// that order. A flattened alias never shadows a namespaced key or an alias
// set by an earlier compartment; the nested form is authoritative. Extra
// entries (e.g. operational context) are added last, also without
// shadowing. The result is a deep copy, safe to hand to expression ports.
func (c *ExecutionContext) Scope(extra map[string]any) map[string]any {
	events := make([]any, 0, len(c.EventHistory))
	for _, ev := range c.EventHistory {
		events = append(events, map[string]any{
			"type":          ev.EventType,
			"id":            ev.EventID,
			"correlationId": ev.CorrelationID,
			"payload":       CopyMap(ev.Payload),
			"receivedAt":    ev.ReceivedAt,
		})
	}
	obligations := make([]any, 0, len(c.Obligations))
	for _, ob := range c.Obligations {
		obligations = append(obligations, map[string]any{
			"id":       ob.ID,
			"deadline": ob.Deadline,
			"status":   string(ob.Status),
		})
	}

	scope := map[string]any{
		"client":      CopyMap(c.Client),
		"domain":      CopyMap(c.Domain),
		"state":       CopyMap(c.State),
		"events":      events,
		"obligations": obligations,
	}
	overlay := func(m map[string]any) {
		for k, v := range m {
			if _, taken := scope[k]; !taken {
				scope[k] = deepCopyValue(v)
			}
		}
	}
	overlay(c.Client)
	overlay(c.Domain)
	overlay(c.State)
	for k, v := range extra {
		if _, taken := scope[k]; !taken {
			scope[k] = deepCopyValue(v)
		}
	}
	return scope
}

// MergeState deep-merges a handler or rule output into accumulated state.
func (c *ExecutionContext) MergeState(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if c.State == nil {
		c.State = map[string]any{}
	}
	c.State = DeepMerge(c.State, delta)
}

// AppendEvent records a delivered event in the append-only history.
func (c *ExecutionContext) AppendEvent(ev ReceivedEvent) {
	c.EventHistory = append(c.EventHistory, ev)
}

// HasEventOccurred reports whether an event of the given type is present in
// the history.
func (c *ExecutionContext) HasEventOccurred(eventType string) bool {
	for _, ev := range c.EventHistory {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}

// DeepMerge merges src into dst and returns dst. Nested maps are merged
// key-wise; scalars and lists in src replace the dst value. Lists replace
// rather than concatenate so re-applying the same delta is idempotent.
// Values copied out of src are deep copies.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = deepCopyValue(v)
	}
	return dst
}

// CopyMap deep-copies a string-keyed map. Nil maps copy to an empty map so
// callers can always index the result.
func CopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

// deepCopyValue copies nested maps and slices; scalars are returned as-is.
// Values must be JSON-shaped (maps, slices, strings, numbers, bools, nil),
// which the engine guarantees for everything it stores.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// Clone deep-copies the whole context via a JSON round-trip. Used when an
// instance snapshot must be fully independent, e.g. optimistic re-reads.
func (c *ExecutionContext) Clone() (ExecutionContext, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return ExecutionContext{}, WrapError(KindInvalidContext, "marshal context", err)
	}
	var out ExecutionContext
	if err := json.Unmarshal(data, &out); err != nil {
		return ExecutionContext{}, WrapError(KindInvalidContext, "unmarshal context", err)
	}
	return out, nil
}
