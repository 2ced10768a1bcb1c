package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cpgflow/cpgflow/cpg"
)

// System states that block all execution at the policy check.
const (
	SystemStateNormal      = "normal"
	SystemStateEmergency   = "emergency"
	SystemStateMaintenance = "maintenance"
)

// GovernanceConfig enables or disables the individual checks. The zero
// value disables everything; DefaultGovernanceConfig enables all three.
type GovernanceConfig struct {
	Idempotency   bool
	Authorization bool
	Policy        bool
}

// DefaultGovernanceConfig runs every check.
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{Idempotency: true, Authorization: true, Policy: true}
}

// GovernanceResult is the verdict of the pre-execution checks.
type GovernanceResult struct {
	Approved       bool
	Duplicate      bool
	Reason         string
	Checks         []cpg.GovernanceCheck
	IdempotencyKey string
}

// Snapshot converts the result into the trace representation.
func (r GovernanceResult) Snapshot() cpg.GovernanceSnapshot {
	return cpg.GovernanceSnapshot{
		Evaluated: true,
		Approved:  r.Approved,
		Reason:    r.Reason,
		Checks:    r.Checks,
	}
}

// Governor runs governance immediately before action invocation:
// idempotency, authorization, and policy, each individually switchable.
// It owns the record of executed idempotency keys.
type Governor struct {
	config   GovernanceConfig
	policies PolicyEvaluator

	mu       sync.Mutex
	executed map[string]bool
}

// NewGovernor builds a governor over the given policy port.
func NewGovernor(config GovernanceConfig, policies PolicyEvaluator) *Governor {
	return &Governor{
		config:   config,
		policies: policies,
		executed: map[string]bool{},
	}
}

// Check runs the enabled checks for one selected node. A duplicate
// idempotency key rejects with Duplicate set so the caller skips rather
// than fails the node.
func (g *Governor) Check(ctx context.Context, inst *cpg.ProcessInstance, node *cpg.Node, scope map[string]any, systemState string) GovernanceResult {
	result := GovernanceResult{Approved: true}

	if g.config.Idempotency {
		key := IdempotencyKey(inst, node.ID)
		result.IdempotencyKey = key
		if g.seen(key) {
			result.Approved = false
			result.Duplicate = true
			result.Reason = "duplicate"
			result.Checks = append(result.Checks, cpg.GovernanceCheck{
				Name: "idempotency", Passed: false, Detail: "execution key already recorded",
			})
			return result
		}
		result.Checks = append(result.Checks, cpg.GovernanceCheck{Name: "idempotency", Passed: true})
	}

	if g.config.Authorization {
		if detail, ok := g.authorize(inst, node); !ok {
			result.Approved = false
			result.Reason = "authorization"
			result.Checks = append(result.Checks, cpg.GovernanceCheck{
				Name: "authorization", Passed: false, Detail: detail,
			})
			return result
		}
		result.Checks = append(result.Checks, cpg.GovernanceCheck{Name: "authorization", Passed: true})
	}

	if g.config.Policy {
		if detail, ok := g.checkPolicy(ctx, node, scope, systemState); !ok {
			result.Approved = false
			result.Reason = "policy"
			result.Checks = append(result.Checks, cpg.GovernanceCheck{
				Name: "policy", Passed: false, Detail: detail,
			})
			return result
		}
		result.Checks = append(result.Checks, cpg.GovernanceCheck{Name: "policy", Passed: true})
	}

	return result
}

// RecordExecution marks an idempotency key as executed. Called once at
// commit; at-most-once per (instance, node, execution count) follows from
// the key construction.
func (g *Governor) RecordExecution(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executed[key] = true
}

func (g *Governor) seen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executed[key]
}

// authorize extracts the principal from clientContext (default SYSTEM,
// which may do anything) and requires the action-type permission in
// clientContext.permissions.
func (g *Governor) authorize(inst *cpg.ProcessInstance, node *cpg.Node) (string, bool) {
	principal := "SYSTEM"
	if p, ok := inst.Context.Client["principal"].(string); ok && p != "" {
		principal = p
	}
	if principal == "SYSTEM" {
		return "", true
	}

	required := RequiredPermission(node.Action.Type)
	perms, _ := inst.Context.Client["permissions"].([]any)
	for _, p := range perms {
		if s, ok := p.(string); ok && (s == required || s == "*") {
			return "", true
		}
	}
	return fmt.Sprintf("principal %s lacks %s", principal, required), false
}

// RequiredPermission maps an action type to the permission its execution
// demands.
func RequiredPermission(t cpg.ActionType) string {
	return "execute:" + string(t)
}

// checkPolicy re-evaluates the node's gates at execution time and rejects
// outright under emergency or maintenance system state.
func (g *Governor) checkPolicy(ctx context.Context, node *cpg.Node, scope map[string]any, systemState string) (string, bool) {
	if systemState == SystemStateEmergency || systemState == SystemStateMaintenance {
		return "system state is " + systemState, false
	}
	for _, gate := range node.PolicyGates {
		outcome, err := g.policies.Evaluate(ctx, gate, scope)
		if err != nil {
			return fmt.Sprintf("gate %s: %v", gate.Name, err), false
		}
		if string(outcome) != gate.ExpectedOutcome {
			return fmt.Sprintf("gate %s resolved %s, expected %s", gate.Name, outcome, gate.ExpectedOutcome), false
		}
	}
	return "", true
}

// IdempotencyKey derives the execution key for a node about to run:
// instance, node, execution count so far, and a hash of accumulated state.
func IdempotencyKey(inst *cpg.ProcessInstance, nodeID string) string {
	stateHash := hashState(inst.Context.State)
	raw := fmt.Sprintf("%s|%s|%d|%s", inst.ID, nodeID, inst.ExecutionCount(nodeID), stateHash)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// hashState produces a stable digest of accumulated state. JSON marshaling
// of a map sorts keys, so equal states hash equally.
func hashState(state map[string]any) string {
	data, err := json.Marshal(state)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
