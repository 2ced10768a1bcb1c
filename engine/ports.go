// Package engine implements the orchestration core: the evaluator kernel,
// the per-instance step loop, governance, compensation, event dispatch, and
// the public operations.
package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cpgflow/cpgflow/cpg"
)

// ExpressionEvaluator evaluates guard, precondition, and correlation
// expressions against a scope. Implementations must be pure, thread-safe,
// and side-effect free, and must bound evaluation time: correlation
// expressions are driven by external input.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
	EvaluateBool(ctx context.Context, expression string, scope map[string]any) (bool, error)

	// EvaluateAllTruthy returns the first falsy (or failing) expression,
	// or an empty string when every expression passes.
	EvaluateAllTruthy(ctx context.Context, expressions []string, scope map[string]any) (string, error)
}

// DecisionEvaluator resolves a decision reference to a value. The reference
// is either "decision" (default model) or "model.decision".
type DecisionEvaluator interface {
	Evaluate(ctx context.Context, decisionRef string, inputs map[string]any) (any, error)
}

// PolicyOutcome is the normalized verdict of a policy gate.
type PolicyOutcome string

const (
	PolicyPassed        PolicyOutcome = "passed"
	PolicyFailed        PolicyOutcome = "failed"
	PolicyWaived        PolicyOutcome = "waived"
	PolicyPendingReview PolicyOutcome = "pendingReview"
)

// PolicyEvaluator evaluates one gate against the runtime scope.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, gate cpg.PolicyGate, scope map[string]any) (PolicyOutcome, error)
}

// RuleEvaluator evaluates one business rule and returns its output map.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, rule cpg.BusinessRule, scope map[string]any) (map[string]any, error)
}

// DecisionPolicyEvaluator layers PolicyEvaluator over a DecisionEvaluator,
// normalizing whatever the decision engine returns into a PolicyOutcome.
type DecisionPolicyEvaluator struct {
	Decisions DecisionEvaluator
}

// Evaluate runs the gate's decision and maps the result.
func (p *DecisionPolicyEvaluator) Evaluate(ctx context.Context, gate cpg.PolicyGate, scope map[string]any) (PolicyOutcome, error) {
	value, err := p.Decisions.Evaluate(ctx, gate.Decision, scope)
	if err != nil {
		return PolicyFailed, err
	}
	return MapOutcome(value), nil
}

// MapOutcome normalizes a decision result into a PolicyOutcome.
//
// Strings map by convention: passed|approved|allowed|yes|true pass,
// failed|rejected|denied|no|false fail, waived|exempt|skip waive,
// pending|review defer. Booleans map to passed/failed. Map results are
// unwrapped through an outcome, result, or status key. Anything
// unrecognized fails closed.
func MapOutcome(value any) PolicyOutcome {
	switch v := value.(type) {
	case bool:
		if v {
			return PolicyPassed
		}
		return PolicyFailed
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "passed", "approved", "allowed", "yes", "true":
			return PolicyPassed
		case "failed", "rejected", "denied", "no", "false":
			return PolicyFailed
		case "waived", "exempt", "skip":
			return PolicyWaived
		case "pending", "review", "pendingreview":
			return PolicyPendingReview
		}
		return PolicyFailed
	case map[string]any:
		for _, key := range []string{"outcome", "result", "status"} {
			if inner, ok := v[key]; ok {
				return MapOutcome(inner)
			}
		}
		return PolicyFailed
	}
	return PolicyFailed
}

// DecisionRuleEvaluator layers RuleEvaluator over a DecisionEvaluator. Map
// outputs merge as-is; scalar outputs are stored under a key derived from
// the rule category.
type DecisionRuleEvaluator struct {
	Decisions DecisionEvaluator
}

// Evaluate runs the rule's decision and shapes the output map.
func (r *DecisionRuleEvaluator) Evaluate(ctx context.Context, rule cpg.BusinessRule, scope map[string]any) (map[string]any, error) {
	value, err := r.Decisions.Evaluate(ctx, rule.Decision, scope)
	if err != nil {
		return nil, err
	}
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{RuleOutputKey(rule): value}, nil
}

// RuleOutputKey derives the state key for a scalar rule output:
// execution-parameter and derivation rules use the camelCased rule name,
// obligation and SLA rules use a prefixed identifier.
func RuleOutputKey(rule cpg.BusinessRule) string {
	switch rule.Category {
	case cpg.RuleObligation:
		return "obligation_" + rule.Name
	case cpg.RuleSLA:
		return "sla_" + rule.Name
	default:
		return camelCase(rule.Name)
	}
}

// camelCase converts kebab-case, snake_case, or space-separated names to
// camelCase: "credit-check-result" becomes "creditCheckResult".
func camelCase(name string) string {
	var b strings.Builder
	upperNext := false
	for i, r := range name {
		switch {
		case r == '-' || r == '_' || r == ' ' || r == '.':
			upperNext = true
		case i == 0:
			b.WriteRune(unicode.ToLower(r))
		case upperNext:
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StaticDecisionEvaluator serves decisions from a fixed table, keyed by the
// full reference. Useful for tests and for graphs whose decisions are
// precomputed.
type StaticDecisionEvaluator struct {
	Table map[string]any
}

// Evaluate looks up the reference.
func (s *StaticDecisionEvaluator) Evaluate(_ context.Context, decisionRef string, _ map[string]any) (any, error) {
	if v, ok := s.Table[decisionRef]; ok {
		return v, nil
	}
	return nil, cpg.Errorf(cpg.KindRuleEvaluationFailed, "unknown decision %q", decisionRef)
}

// ExpressionDecisionEvaluator treats the decision reference as an
// expression over the inputs, serving graphs that inline their decision
// logic. The reference must parse under the configured expression port.
type ExpressionDecisionEvaluator struct {
	Expressions ExpressionEvaluator
}

// Evaluate runs the reference as an expression.
func (e *ExpressionDecisionEvaluator) Evaluate(ctx context.Context, decisionRef string, inputs map[string]any) (any, error) {
	value, err := e.Expressions.Evaluate(ctx, decisionRef, inputs)
	if err != nil {
		return nil, fmt.Errorf("decision %q: %w", decisionRef, err)
	}
	return value, nil
}
