package engine

import (
	"context"

	"github.com/cpgflow/cpgflow/cpg"
)

// Correlation methods recorded in the event history.
const (
	MatchCorrelationID = "correlation-id"
	MatchExpression    = "expression"
	MatchEventType     = "event-type"
)

// correlate decides whether an external event belongs to this instance and
// by which method. Correlation ID equality wins; correlation expressions on
// matching subscriptions come next; an event with no correlation ID at all
// fans out by type to every instance that listens for it.
func (e *Engine) correlate(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, event cpg.ProcessEvent) (string, []*cpg.Node, bool) {
	subs := g.SubscribedNodes(event.EventType)

	// A subscription with a correlation expression opts out of blind
	// fan-out; only expression-less subscriptions take part in it.
	var plain []*cpg.Node
	for _, n := range subs {
		if sub, _ := n.SubscribesTo(event.EventType); sub.CorrelationExpr == "" {
			plain = append(plain, n)
		}
	}
	// Correlation ID equality matches unconditionally. The event may arrive
	// before any subscription or guarded edge is waiting for it; dispatch
	// still appends it to the history so a later mustHaveOccurred guard can
	// see it.
	if event.CorrelationID != "" {
		if event.CorrelationID == inst.ID || (inst.CorrelationID != "" && event.CorrelationID == inst.CorrelationID) {
			return MatchCorrelationID, subs, true
		}
	}

	var matched []*cpg.Node
	for _, n := range subs {
		sub, _ := n.SubscribesTo(event.EventType)
		if sub.CorrelationExpr == "" {
			continue
		}
		ok, err := e.exprs.EvaluateBool(ctx, sub.CorrelationExpr, e.correlationScope(event, inst))
		if err == nil && ok {
			matched = append(matched, n)
		}
	}
	if len(matched) > 0 {
		return MatchExpression, matched, true
	}

	// Type-only fan-out is reserved for events carrying no correlation at
	// all; a foreign correlation ID never matches by type.
	if event.CorrelationID == "" && (len(plain) > 0 || e.edgesAwaiting(g, inst, event.EventType)) {
		return MatchEventType, plain, true
	}
	return "", nil, false
}

// edgesAwaiting reports whether any pending edge of the instance listens for
// the event type, through a guard condition or a dispatcher trigger.
func (e *Engine) edgesAwaiting(g *cpg.ProcessGraph, inst *cpg.ProcessInstance, eventType string) bool {
	for edgeID := range inst.PendingEdgeIDs {
		edge, ok := g.EdgeByID(edgeID)
		if ok && edgeListens(edge, eventType) {
			return true
		}
	}
	return false
}

func edgeListens(edge *cpg.Edge, eventType string) bool {
	if edge.TriggeredBy(eventType) || edge.ReevaluatedBy(eventType) {
		return true
	}
	for _, cond := range edge.Guards.Events {
		if cond.EventType == eventType {
			return true
		}
	}
	return false
}

// correlationScope is the evaluation scope for correlation expressions: the
// event and instance as nested maps, the payload and instance context
// flattened underneath without shadowing.
func (e *Engine) correlationScope(event cpg.ProcessEvent, inst *cpg.ProcessInstance) map[string]any {
	scope := map[string]any{
		"event": map[string]any{
			"type":          event.EventType,
			"id":            event.EventID,
			"correlationId": event.CorrelationID,
			"payload":       cpg.CopyMap(event.Payload),
		},
		"instance": map[string]any{
			"id":            inst.ID,
			"correlationId": inst.CorrelationID,
			"graphId":       inst.GraphID,
		},
	}
	for k, v := range event.Payload {
		if _, taken := scope[k]; !taken {
			scope[k] = v
		}
	}
	for k, v := range inst.Context.Scope(nil) {
		if _, taken := scope[k]; !taken {
			scope[k] = v
		}
	}
	return scope
}

// dispatch applies a correlated event to the locked instance: append it to
// the history, activate subscribed nodes that became available, and
// re-evaluate the edges the event can open. Returns the event trace and the
// engine events to publish after commit.
func (e *Engine) dispatch(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, event cpg.ProcessEvent, method string, nodes []*cpg.Node) (*cpg.DecisionTrace, []cpg.ProcessEvent) {
	inst.Context.AppendEvent(event.Received(method))
	scope := e.scopeFor(inst)

	trace := cpg.NewTrace(inst.ID, cpg.TraceEvent)
	trace.Context = cpg.SummarizeContext(&inst.Context, e.opts.SystemState)
	trace.Decision.Criterion = method

	res := &stepResult{trace: trace}

	for _, n := range nodes {
		if inst.HasCompleted(n.ID) || inst.IsActive(n.ID) {
			continue
		}
		eval := e.eval.EvaluateNode(ctx, n, scope)
		trace.Evaluation.Nodes = append(trace.Evaluation.Nodes, cpg.NodeConsideration{
			NodeID:        n.ID,
			Available:     eval.Available,
			BlockedReason: string(eval.BlockedReason),
			Detail:        eval.Detail,
		})
		if eval.Available {
			inst.Activate(n.ID, 0, reasonEventPrefix+event.EventType)
			trace.Decision.SelectedNodeIDs = append(trace.Decision.SelectedNodeIDs, n.ID)
		}
	}

	// Parked edges woken by the event.
	for _, edgeID := range inst.PendingEdges() {
		edge, ok := g.EdgeByID(edgeID)
		if !ok {
			delete(inst.PendingEdgeIDs, edgeID)
			continue
		}
		if !edgeListens(edge, event.EventType) || !inst.HasCompleted(edge.Source) {
			continue
		}
		ev := e.eval.EvaluateEdge(ctx, edge, inst, scope)
		trace.Evaluation.Edges = append(trace.Evaluation.Edges, cpg.EdgeConsideration{
			EdgeID:        edge.ID,
			Traversable:   ev.Traversable,
			BlockedReason: string(ev.BlockedReason),
			Selected:      ev.Traversable,
		})
		if ev.Traversable && e.joinSatisfied(g, inst, edge) {
			delete(inst.PendingEdgeIDs, edge.ID)
			e.activateTarget(ctx, g, inst, edge, scope, res)
		}
	}

	// Activating triggers can open edges that never went pending.
	for i := range g.Edges {
		edge := &g.Edges[i]
		if !edge.TriggeredBy(event.EventType) || edge.IsCompensating() {
			continue
		}
		if !inst.HasCompleted(edge.Source) || inst.HasCompleted(edge.Target) || inst.IsActive(edge.Target) {
			continue
		}
		ev := e.eval.EvaluateEdge(ctx, edge, inst, scope)
		if ev.Traversable && e.joinSatisfied(g, inst, edge) {
			e.activateTarget(ctx, g, inst, edge, scope, res)
		}
	}

	trace.Outcome = cpg.OutcomeSnapshot{Status: "event-dispatched"}
	return trace, res.events
}
