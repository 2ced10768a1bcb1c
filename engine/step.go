package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cpgflow/cpgflow/act"
	"github.com/cpgflow/cpgflow/cpg"
)

// stepResult is what one logical step produced: the trace to append, the
// events to publish after commit, and the follow-up work.
type stepResult struct {
	trace      *cpg.DecisionTrace
	events     []cpg.ProcessEvent
	changed    bool
	executed   bool
	retryDelay time.Duration
	recordKeys []string
}

// execResult pairs a selected candidate with its handler outcome.
type execResult struct {
	candidate Candidate
	result    act.Result
	key       string
	started   time.Time
	finished  time.Time
}

// runStep performs one logical step for a locked instance: assemble scope,
// build the eligible space, select, govern, execute, commit, advance.
// The caller persists the instance and appends the trace.
func (e *Engine) runStep(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance) stepResult {
	res := stepResult{}
	trace := cpg.NewTrace(inst.ID, cpg.TraceExecution)
	trace.Context = cpg.SummarizeContext(&inst.Context, e.opts.SystemState)
	res.trace = trace

	scope := e.scopeFor(inst)
	candidates := e.eligibleSpace(ctx, g, inst, scope)
	for _, c := range candidates {
		trace.Evaluation.Nodes = append(trace.Evaluation.Nodes, cpg.NodeConsideration{
			NodeID:        c.Node.ID,
			Available:     c.Evaluation.Available,
			BlockedReason: string(c.Evaluation.BlockedReason),
			Detail:        c.Evaluation.Detail,
			Priority:      c.Priority,
		})
	}

	sel := Select(candidates)
	trace.Decision = cpg.DecisionSnapshot{
		Criterion:    sel.Criterion,
		Alternatives: sel.Alternatives,
	}
	for _, c := range sel.Selected {
		trace.Decision.SelectedNodeIDs = append(trace.Decision.SelectedNodeIDs, c.Node.ID)
	}

	if sel.Decision == DecideWait {
		trace.Type = cpg.TraceWait
		trace.Outcome = cpg.OutcomeSnapshot{Status: "wait"}
		return res
	}

	approved, rejected := e.govern(ctx, g, inst, sel.Selected, scope, trace, &res)
	if rejected {
		return res
	}
	if len(approved) == 0 {
		// Every selected node was a duplicate skip.
		trace.Type = cpg.TraceGovernanceReject
		e.advanceAndClose(ctx, g, inst, skippedIDs(&res), trace, &res)
		return res
	}

	results := e.executeGroup(ctx, inst, approved, scope, &res)
	res.executed = true

	var advance []string
	for _, r := range results {
		if r.result.Success {
			e.commitSuccess(inst, r, trace, &res)
			advance = append(advance, r.candidate.Node.ID)
		} else {
			if e.commitFailure(g, inst, r, trace, &res) {
				advance = append(advance, r.candidate.Node.ID)
			}
		}
	}

	e.advanceAndClose(ctx, g, inst, advance, trace, &res)
	return res
}

// eligibleSpace builds the candidate set: entry nodes when nothing is
// active, the active set otherwise.
func (e *Engine) eligibleSpace(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, scope map[string]any) []Candidate {
	var candidates []Candidate
	if len(inst.ActiveNodes) == 0 {
		for _, id := range g.EntryNodeIDs {
			if inst.HasCompleted(id) {
				continue
			}
			node, ok := g.NodeByID(id)
			if !ok {
				continue
			}
			candidates = append(candidates, Candidate{
				Node:       node,
				Evaluation: e.eval.EvaluateNode(ctx, node, scope),
				Reason:     reasonEntry,
			})
		}
		return candidates
	}

	for _, id := range inst.ActiveNodeIDs() {
		node, ok := g.NodeByID(id)
		if !ok {
			continue
		}
		activation := inst.ActiveNodes[id]
		candidates = append(candidates, Candidate{
			Node:       node,
			Evaluation: e.eval.EvaluateNode(ctx, node, scope),
			Priority:   activation.Priority,
			Reason:     activation.Reason,
			Parallel:   e.isParallelActivation(g, activation.Reason),
		})
	}
	return candidates
}

// isParallelActivation reports whether the activation came through a
// parallel edge.
func (e *Engine) isParallelActivation(g *cpg.ProcessGraph, reason string) bool {
	if !strings.HasPrefix(reason, reasonEdgePrefix) {
		return false
	}
	edge, ok := g.EdgeByID(strings.TrimPrefix(reason, reasonEdgePrefix))
	return ok && edge.Semantics.Type == cpg.SemanticsParallel
}

// govern runs the pre-execution checks for each selected node. A duplicate
// key skips the node in place; any other rejection short-circuits the whole
// step with a governance-reject trace and leaves the node active for a
// later attempt.
func (e *Engine) govern(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, selected []Candidate, scope map[string]any, trace *cpg.DecisionTrace, res *stepResult) ([]execResult, bool) {
	trace.Governance = cpg.GovernanceSnapshot{Evaluated: true, Approved: true}

	var approved []execResult
	for _, c := range selected {
		verdict := e.governor.Check(ctx, inst, c.Node, scope, e.opts.SystemState)
		trace.Governance.Checks = append(trace.Governance.Checks, verdict.Checks...)

		if verdict.Approved {
			approved = append(approved, execResult{candidate: c, key: verdict.IdempotencyKey})
			continue
		}

		if verdict.Duplicate {
			now := time.Now().UTC()
			inst.AppendExecution(cpg.NodeExecution{
				NodeID:      c.Node.ID,
				StartedAt:   now,
				CompletedAt: &now,
				Status:      cpg.ExecutionSkipped,
				Error:       "duplicate execution",
			})
			inst.Deactivate(c.Node.ID)
			res.changed = true
			res.events = append(res.events, e.nodeEvent(inst, c.Node.ID, cpg.EventNodeSkipped, nil))
			trace.Outcome.Executed = append(trace.Outcome.Executed, c.Node.ID)
			e.opts.Metrics.recordGovernanceReject(g.ID, verdict.Reason)
			continue
		}

		trace.Type = cpg.TraceGovernanceReject
		trace.Governance.Approved = false
		trace.Governance.Reason = verdict.Reason
		trace.Outcome = cpg.OutcomeSnapshot{Status: "governance-reject", Error: verdict.Reason}
		e.opts.Metrics.recordGovernanceReject(g.ID, verdict.Reason)
		return nil, true
	}
	return approved, false
}

// skippedIDs lists the nodes a duplicate skip marked executed in the trace.
func skippedIDs(res *stepResult) []string {
	return append([]string(nil), res.trace.Outcome.Executed...)
}

// executeGroup invokes the handlers for the approved nodes. A single node
// runs inline; a parallel group runs concurrently and commits in node-ID
// order (the slice is already sorted by the selector).
func (e *Engine) executeGroup(ctx context.Context, inst *cpg.ProcessInstance, approved []execResult, scope map[string]any, res *stepResult) []execResult {
	for i := range approved {
		node := approved[i].candidate.Node
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeStarted, nil))
		res.events = append(res.events, e.configuredEmissions(inst, node, cpg.EmitOnStart)...)
	}
	if len(approved) == 1 {
		e.invoke(ctx, inst, &approved[0], scope)
		return approved
	}

	var wg sync.WaitGroup
	for i := range approved {
		wg.Add(1)
		go func(r *execResult) {
			defer wg.Done()
			e.invoke(ctx, inst, r, scope)
		}(&approved[i])
	}
	wg.Wait()
	return approved
}

// invoke resolves the handler and runs it under the per-action timeout.
// Handler errors and timeouts become failed results; they never escape.
func (e *Engine) invoke(ctx context.Context, inst *cpg.ProcessInstance, r *execResult, scope map[string]any) {
	node := r.candidate.Node
	cfg := node.Action.Config

	timeout := e.opts.DefaultActionTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	release := e.trackInflight(inst.ID, cancel)
	defer release()

	handler := e.opts.Actions.Resolve(node.Action.Type, node.Action.HandlerRef)
	r.started = time.Now().UTC()
	result, err := handler.Execute(cctx, act.Request{
		InstanceID:  inst.ID,
		NodeID:      node.ID,
		ActionType:  node.Action.Type,
		HandlerRef:  node.Action.HandlerRef,
		Config:      cfg,
		Scope:       scope,
		RuleOutputs: cpg.CopyMap(r.candidate.Evaluation.RuleOutputs),
		Attempt:     inst.ActiveNodes[node.ID].Attempt,
	})
	r.finished = time.Now().UTC()

	switch {
	case err != nil && cctx.Err() == context.DeadlineExceeded:
		result = act.Failure(string(cpg.KindTimeout), "action exceeded "+timeout.String(), true)
	case err != nil:
		result = act.Failure(string(cpg.KindActionFailed), err.Error(), false)
	}
	r.result = result

	status := "success"
	if !result.Success {
		status = "error"
		if result.ErrorType == string(cpg.KindTimeout) {
			status = "timeout"
		}
	}
	e.opts.Metrics.observeAction(node.ID, status, r.finished.Sub(r.started))
}

// commitSuccess merges the output, appends the completed record, persists
// rule and policy outcomes, and resets failure counters.
func (e *Engine) commitSuccess(inst *cpg.ProcessInstance, r execResult, trace *cpg.DecisionTrace, res *stepResult) {
	node := r.candidate.Node
	// Rule outputs land in state first so the action output wins conflicts.
	inst.Context.MergeState(r.candidate.Evaluation.RuleOutputs)
	inst.Context.MergeState(r.result.Output)
	inst.AppendExecution(cpg.NodeExecution{
		NodeID:      node.ID,
		StartedAt:   r.started,
		CompletedAt: &r.finished,
		Status:      cpg.ExecutionCompleted,
		Result:      cpg.CopyMap(r.result.Output),
	})
	inst.RecordRuleOutcomes(node.ID, r.candidate.Evaluation.RuleOutputs)
	inst.RecordPolicyOutcomes(node.ID, r.candidate.Evaluation.PolicyOutcomes)
	inst.ConsecutiveFailures[node.ID] = 0
	if origin := alternateOrigin(r.candidate.Reason); origin != "" {
		inst.ConsecutiveFailures[origin] = 0
	}
	inst.Deactivate(node.ID)

	res.changed = true
	res.recordKeys = append(res.recordKeys, r.key)
	res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeExecuted, r.result.Output))
	res.events = append(res.events, e.configuredEmissions(inst, node, cpg.EmitOnComplete)...)

	trace.Outcome.Executed = append(trace.Outcome.Executed, node.ID)
	trace.Outcome.StateDeltaKeys = append(trace.Outcome.StateDeltaKeys, sortedOutputKeys(r.candidate.Evaluation.RuleOutputs)...)
	trace.Outcome.StateDeltaKeys = append(trace.Outcome.StateDeltaKeys, sortedOutputKeys(r.result.Output)...)
}

// commitFailure routes the failure through compensation and applies the
// decision. Returns true when the node should still advance (skip).
func (e *Engine) commitFailure(g *cpg.ProcessGraph, inst *cpg.ProcessInstance, r execResult, trace *cpg.DecisionTrace, res *stepResult) bool {
	node := r.candidate.Node
	priorFailures := inst.ConsecutiveFailures[node.ID]
	decision := e.comp.Decide(node, r.result, priorFailures, r.candidate.Reason)

	res.changed = true
	trace.Outcome.Failed = append(trace.Outcome.Failed, node.ID)
	trace.Outcome.Error = r.result.Error
	trace.Outcome.Status = string(decision.Action)

	failedRecord := cpg.NodeExecution{
		NodeID:      node.ID,
		StartedAt:   r.started,
		CompletedAt: &r.finished,
		Status:      cpg.ExecutionFailed,
		Error:       r.result.Error,
	}

	switch decision.Action {
	case CompRetry:
		inst.ConsecutiveFailures[node.ID] = priorFailures + 1
		inst.AppendExecution(failedRecord)
		activation := inst.ActiveNodes[node.ID]
		activation.Attempt++
		inst.ActiveNodes[node.ID] = activation
		upgradeTrace(trace, cpg.TraceRetry)
		if decision.RetryDelay > res.retryDelay {
			res.retryDelay = decision.RetryDelay
		}
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeFailed, failurePayload(r.result)))
		e.opts.Metrics.recordRetry(g.ID, node.ID)

	case CompAlternate:
		inst.ConsecutiveFailures[node.ID] = priorFailures + 1
		inst.AppendExecution(failedRecord)
		inst.RecordRuleOutcomes(node.ID, r.candidate.Evaluation.RuleOutputs)
		inst.Deactivate(node.ID)
		inst.Activate(decision.AlternateNodeID, r.candidate.Priority, reasonAltPrefix+node.ID)
		upgradeTrace(trace, cpg.TraceCompensate)
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeFailed, failurePayload(r.result)))

	case CompSkip:
		skipped := failedRecord
		skipped.Status = cpg.ExecutionSkipped
		inst.AppendExecution(skipped)
		inst.ConsecutiveFailures[node.ID] = 0
		inst.Deactivate(node.ID)
		upgradeTrace(trace, cpg.TraceCompensate)
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeSkipped, nil))
		return true

	case CompCompensate:
		inst.AppendExecution(failedRecord)
		inst.Deactivate(node.ID)
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeFailed, failurePayload(r.result)))
		res.events = append(res.events, e.configuredEmissions(inst, node, cpg.EmitOnFailure)...)
		if edge, ok := g.EdgeByID(decision.CompensatingEdgeID); ok {
			inst.Activate(edge.Target, 0, reasonCompPrefix+edge.ID)
			res.events = append(res.events, e.edgeEvent(inst, edge))
		}
		upgradeTrace(trace, cpg.TraceCompensate)

	case CompEscalate:
		inst.AppendExecution(failedRecord)
		inst.Deactivate(node.ID)
		inst.Activate(decision.EscalationNodeID, 0, reasonEscalation)
		upgradeTrace(trace, cpg.TraceCompensate)
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeFailed, failurePayload(r.result)))

	case CompFail:
		inst.ConsecutiveFailures[node.ID] = priorFailures + 1
		inst.AppendExecution(failedRecord)
		inst.Deactivate(node.ID)
		res.events = append(res.events, e.nodeEvent(inst, node.ID, cpg.EventNodeFailed, failurePayload(r.result)))
		res.events = append(res.events, e.configuredEmissions(inst, node, cpg.EmitOnFailure)...)

		rollbacks := RollbackEdges(g, inst)
		for _, ce := range rollbacks {
			inst.Activate(ce.Target, 0, reasonRollbackPref+ce.ID)
			res.events = append(res.events, e.edgeEvent(inst, &ce))
		}
		if len(rollbacks) > 0 {
			upgradeTrace(trace, cpg.TraceCompensate)
		} else if len(inst.ActiveNodes) == 0 && len(inst.PendingEdgeIDs) == 0 {
			now := time.Now().UTC()
			inst.Status = cpg.StatusFailed
			inst.CompletedAt = &now
			upgradeTrace(trace, cpg.TraceTerminal)
			res.events = append(res.events, e.lifecycleEvent(inst, cpg.EventProcessFailed, failurePayload(r.result)))
		}
	}

	trace.Outcome.Status = string(decision.Action)
	if decision.Detail != "" && trace.Outcome.Error == "" {
		trace.Outcome.Error = decision.Detail
	}
	return false
}

// advanceAndClose advances outbound edges for completed or skipped nodes,
// then applies the terminal-closure rule.
func (e *Engine) advanceAndClose(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, fromNodes []string, trace *cpg.DecisionTrace, res *stepResult) {
	scope := e.scopeFor(inst)
	for _, nodeID := range fromNodes {
		e.advance(ctx, g, inst, nodeID, scope, trace, res)
	}

	if trace.Outcome.Status == "" {
		trace.Outcome.Status = "executed"
	}

	if inst.Status == cpg.StatusRunning && res.changed {
		done := false
		for _, t := range g.TerminalNodeIDs {
			if inst.HasCompleted(t) {
				done = true
				break
			}
		}
		if done && len(inst.ActiveNodes) == 0 && len(inst.PendingEdgeIDs) == 0 {
			now := time.Now().UTC()
			inst.Status = cpg.StatusCompleted
			inst.CompletedAt = &now
			upgradeTrace(trace, cpg.TraceTerminal)
			trace.Outcome.Status = "completed"
			res.events = append(res.events, e.lifecycleEvent(inst, cpg.EventProcessCompleted, nil))
		}
	}
}

// advance evaluates and selects the outbound edges of one finished node,
// activating targets whose join and preconditions are satisfied and
// parking the rest in the pending set.
func (e *Engine) advance(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, nodeID string, scope map[string]any, trace *cpg.DecisionTrace, res *stepResult) {
	edges := g.OutboundEdges(nodeID)
	if len(edges) == 0 {
		return
	}

	evals := make(map[string]*EdgeEvaluation, len(edges))
	for i := range edges {
		ev := e.eval.EvaluateEdge(ctx, &edges[i], inst, scope)
		evals[edges[i].ID] = &ev
	}
	selected := SelectEdges(edges, evals)

	for _, edge := range selected {
		delete(inst.PendingEdgeIDs, edge.ID)
		if !e.joinSatisfied(g, inst, &edge) {
			inst.PendingEdgeIDs[edge.ID] = true
			continue
		}
		e.activateTarget(ctx, g, inst, &edge, scope, res)
	}

	// Edges blocked on future events stay visible to the dispatcher.
	for _, edge := range edges {
		ev := evals[edge.ID]
		if ev.Traversable || ev.Selected || edge.IsCompensating() {
			continue
		}
		if ev.BlockedReason == BlockedEventCondition || len(edge.Triggers.Reevaluation) > 0 {
			inst.PendingEdgeIDs[edge.ID] = true
			res.changed = true
		}
	}

	ids := make([]string, 0, len(evals))
	for id := range evals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		trace.Evaluation.Edges = append(trace.Evaluation.Edges, cpg.EdgeConsideration{
			EdgeID:        id,
			Traversable:   evals[id].Traversable,
			BlockedReason: string(evals[id].BlockedReason),
			Selected:      evals[id].Selected,
		})
	}
}

// activateTarget activates an edge's target when its preconditions hold,
// otherwise parks the edge. Already-completed or active targets are left
// alone.
func (e *Engine) activateTarget(ctx context.Context, g *cpg.ProcessGraph, inst *cpg.ProcessInstance, edge *cpg.Edge, scope map[string]any, res *stepResult) {
	target, ok := g.NodeByID(edge.Target)
	if !ok {
		return
	}
	if inst.IsActive(target.ID) || inst.HasCompleted(target.ID) {
		res.events = append(res.events, e.edgeEvent(inst, edge))
		res.changed = true
		return
	}

	eval := e.eval.EvaluateNode(ctx, target, scope)
	if !eval.Available {
		inst.PendingEdgeIDs[edge.ID] = true
		res.changed = true
		return
	}

	inst.Activate(target.ID, edge.Priority.Weight, reasonEdgePrefix+edge.ID)
	for _, sibling := range g.InboundEdges(target.ID) {
		delete(inst.PendingEdgeIDs, sibling.ID)
	}
	res.events = append(res.events, e.edgeEvent(inst, edge))
	res.changed = true
}

// joinSatisfied applies the parallel join policy of the edge's target.
func (e *Engine) joinSatisfied(g *cpg.ProcessGraph, inst *cpg.ProcessInstance, edge *cpg.Edge) bool {
	if edge.Semantics.Type != cpg.SemanticsParallel {
		return true
	}
	switch edge.Semantics.Join {
	case cpg.JoinAll:
		for _, in := range g.InboundEdges(edge.Target) {
			if in.Semantics.Type == cpg.SemanticsParallel && !inst.HasCompleted(in.Source) {
				return false
			}
		}
		return true
	case cpg.JoinNOfM:
		n := 0
		for _, in := range g.InboundEdges(edge.Target) {
			if in.Semantics.Type == cpg.SemanticsParallel && inst.HasCompleted(in.Source) {
				n++
			}
		}
		return n >= edge.Semantics.JoinCount
	default:
		// "any" and unset join on the first arrival.
		return true
	}
}

// upgradeTrace raises the trace type by severity; terminal always wins.
func upgradeTrace(trace *cpg.DecisionTrace, t cpg.TraceType) {
	rank := map[cpg.TraceType]int{
		cpg.TraceWait: 0, cpg.TraceNavigation: 0, cpg.TraceEvent: 0,
		cpg.TraceExecution: 1, cpg.TraceGovernanceReject: 2,
		cpg.TraceRetry: 3, cpg.TraceCompensate: 3, cpg.TraceTerminal: 4,
	}
	if rank[t] >= rank[trace.Type] {
		trace.Type = t
	}
}

func sortedOutputKeys(output map[string]any) []string {
	if len(output) == 0 {
		return nil
	}
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func failurePayload(result act.Result) map[string]any {
	return map[string]any{
		"error":     result.Error,
		"errorType": result.ErrorType,
		"retryable": result.Retryable,
	}
}
