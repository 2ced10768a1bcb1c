package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/cpgflow/cpgflow/cpg"
)

// BlockReason types why a node or edge is unavailable.
type BlockReason string

const (
	BlockedPreconditions  BlockReason = "preconditions"
	BlockedPolicy         BlockReason = "policy"
	BlockedRule           BlockReason = "rule"
	BlockedEvaluatorError BlockReason = "evaluator-error"

	BlockedContextGuard       BlockReason = "context-guard"
	BlockedRuleOutcome        BlockReason = "rule-outcome"
	BlockedPolicyOutcome      BlockReason = "policy-outcome"
	BlockedEventCondition     BlockReason = "events"
	BlockedCompensatingEdge   BlockReason = "compensating"
	BlockedExclusiveDominance BlockReason = "exclusive-dominance"
	BlockedLowerPriority      BlockReason = "lower-priority"
)

// NodeEvaluation is the availability verdict for one node, carrying the
// merged rule outputs and gate outcomes for downstream edge guards and the
// action handler.
type NodeEvaluation struct {
	NodeID         string
	Available      bool
	BlockedReason  BlockReason
	Detail         string
	RuleOutputs    map[string]any
	PolicyOutcomes map[string]string
}

// EdgeEvaluation is the traversability verdict for one edge.
type EdgeEvaluation struct {
	EdgeID        string
	Traversable   bool
	BlockedReason BlockReason
	Detail        string
	Selected      bool
}

// Evaluator is the pure kernel over (graph, node|edge, runtime context).
// It mutates nothing; callers persist rule and policy outcomes themselves.
type Evaluator struct {
	expressions ExpressionEvaluator
	policies    PolicyEvaluator
	rules       RuleEvaluator
}

// NewEvaluator wires the kernel to its ports.
func NewEvaluator(expressions ExpressionEvaluator, policies PolicyEvaluator, rules RuleEvaluator) *Evaluator {
	return &Evaluator{expressions: expressions, policies: policies, rules: rules}
}

// EvaluateNode checks availability: all preconditions truthy, all policy
// gates at their expected outcome, all business rules evaluating without
// error. Evaluation errors never propagate; they block the node with the
// evaluator-error reason.
func (ev *Evaluator) EvaluateNode(ctx context.Context, node *cpg.Node, scope map[string]any) NodeEvaluation {
	out := NodeEvaluation{NodeID: node.ID}

	for _, group := range []struct {
		name  string
		exprs []string
	}{
		{"client", node.Preconditions.Client},
		{"domain", node.Preconditions.Domain},
	} {
		failed, err := ev.expressions.EvaluateAllTruthy(ctx, group.exprs, scope)
		if err != nil {
			out.BlockedReason = BlockedEvaluatorError
			out.Detail = fmt.Sprintf("%s precondition %q: %v", group.name, failed, err)
			return out
		}
		if failed != "" {
			out.BlockedReason = BlockedPreconditions
			out.Detail = fmt.Sprintf("%s precondition %q is falsy", group.name, failed)
			return out
		}
	}

	gateOutcomes := make(map[string]string, len(node.PolicyGates))
	for _, gate := range node.PolicyGates {
		outcome, err := ev.policies.Evaluate(ctx, gate, scope)
		if err != nil {
			out.BlockedReason = BlockedEvaluatorError
			out.Detail = fmt.Sprintf("policy gate %s: %v", gate.Name, err)
			return out
		}
		gateOutcomes[gate.Name] = string(outcome)
		if string(outcome) != gate.ExpectedOutcome {
			out.BlockedReason = BlockedPolicy
			out.Detail = fmt.Sprintf("gate %s resolved %s, expected %s", gate.Name, outcome, gate.ExpectedOutcome)
			out.PolicyOutcomes = gateOutcomes
			return out
		}
	}

	merged := map[string]any{}
	for _, rule := range node.BusinessRules {
		outputs, err := ev.rules.Evaluate(ctx, rule, scope)
		if err != nil {
			out.BlockedReason = BlockedRule
			out.Detail = fmt.Sprintf("rule %s: %v", rule.Name, err)
			return out
		}
		merged = cpg.DeepMerge(merged, outputs)
	}

	out.Available = true
	out.RuleOutputs = merged
	out.PolicyOutcomes = gateOutcomes
	return out
}

// EvaluateEdge checks the four guard groups. Rule and policy outcome
// conditions read the snapshots persisted by the most recent execution of
// the edge's source node.
func (ev *Evaluator) EvaluateEdge(ctx context.Context, edge *cpg.Edge, inst *cpg.ProcessInstance, scope map[string]any) EdgeEvaluation {
	out := EdgeEvaluation{EdgeID: edge.ID}

	failed, err := ev.expressions.EvaluateAllTruthy(ctx, edge.Guards.Context, scope)
	if err != nil {
		out.BlockedReason = BlockedEvaluatorError
		out.Detail = fmt.Sprintf("context guard %q: %v", failed, err)
		return out
	}
	if failed != "" {
		out.BlockedReason = BlockedContextGuard
		out.Detail = fmt.Sprintf("context guard %q is falsy", failed)
		return out
	}

	ruleOutcomes := inst.RuleOutcomes[edge.Source]
	for _, cond := range edge.Guards.RuleOutcomes {
		actual, present := ruleOutcomes[cond.Key]
		if !present || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", cond.Expected) {
			out.BlockedReason = BlockedRuleOutcome
			out.Detail = fmt.Sprintf("rule outcome %s=%v, expected %v", cond.Key, actual, cond.Expected)
			return out
		}
	}

	policyOutcomes := inst.PolicyOutcomes[edge.Source]
	for _, cond := range edge.Guards.PolicyOutcomes {
		actual, present := policyOutcomes[cond.Gate]
		if !present || actual != cond.Expected {
			out.BlockedReason = BlockedPolicyOutcome
			out.Detail = fmt.Sprintf("policy outcome %s=%s, expected %s", cond.Gate, actual, cond.Expected)
			return out
		}
	}

	for _, cond := range edge.Guards.Events {
		occurred := inst.Context.HasEventOccurred(cond.EventType)
		if occurred != cond.MustHaveOccurred {
			out.BlockedReason = BlockedEventCondition
			if cond.MustHaveOccurred {
				out.Detail = fmt.Sprintf("event %s has not occurred", cond.EventType)
			} else {
				out.Detail = fmt.Sprintf("event %s has already occurred", cond.EventType)
			}
			return out
		}
	}

	out.Traversable = true
	return out
}

// SelectEdges applies forward selection to one source node's outbound
// edges, given their evaluations:
//
//  1. compensating edges are excluded outright
//  2. a traversable exclusive edge restricts candidates to the exclusive
//     tier; dominated peers are marked exclusive-dominance
//  3. the maximum weight wins within the tier
//  4. sequential survivors reduce to the smallest rank, edge ID breaking
//     ties; parallel survivors are all selected
//
// The evaluations map is updated in place with Selected flags and dominance
// markings so the trace records why each edge lost.
func SelectEdges(edges []cpg.Edge, evals map[string]*EdgeEvaluation) []cpg.Edge {
	var candidates []cpg.Edge
	for _, e := range edges {
		if e.IsCompensating() {
			if ev, ok := evals[e.ID]; ok {
				ev.Traversable = false
				ev.BlockedReason = BlockedCompensatingEdge
			}
			continue
		}
		if ev, ok := evals[e.ID]; ok && ev.Traversable {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	exclusive := false
	for _, e := range candidates {
		if e.Priority.Exclusive {
			exclusive = true
			break
		}
	}
	if exclusive {
		kept := candidates[:0]
		for _, e := range candidates {
			if e.Priority.Exclusive {
				kept = append(kept, e)
				continue
			}
			if ev, ok := evals[e.ID]; ok {
				ev.Traversable = false
				ev.BlockedReason = BlockedExclusiveDominance
				ev.Detail = "dominated by traversable exclusive edge"
			}
		}
		candidates = kept
	}

	maxWeight := candidates[0].Priority.Weight
	for _, e := range candidates[1:] {
		if e.Priority.Weight > maxWeight {
			maxWeight = e.Priority.Weight
		}
	}
	kept := candidates[:0]
	for _, e := range candidates {
		if e.Priority.Weight == maxWeight {
			kept = append(kept, e)
			continue
		}
		if ev, ok := evals[e.ID]; ok {
			ev.BlockedReason = BlockedLowerPriority
			ev.Detail = fmt.Sprintf("weight %d below maximum %d", e.Priority.Weight, maxWeight)
		}
	}
	candidates = kept

	parallel := true
	for _, e := range candidates {
		if e.Semantics.Type != cpg.SemanticsParallel {
			parallel = false
			break
		}
	}

	var selected []cpg.Edge
	if parallel && len(candidates) > 1 {
		selected = candidates
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority.Rank != candidates[j].Priority.Rank {
				return candidates[i].Priority.Rank < candidates[j].Priority.Rank
			}
			return candidates[i].ID < candidates[j].ID
		})
		selected = candidates[:1]
		for _, e := range candidates[1:] {
			if ev, ok := evals[e.ID]; ok {
				ev.BlockedReason = BlockedLowerPriority
				ev.Detail = "lost the rank tie-break"
			}
		}
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	for _, e := range selected {
		if ev, ok := evals[e.ID]; ok {
			ev.Selected = true
		}
	}
	return selected
}
