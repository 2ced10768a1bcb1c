package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cpgflow/cpgflow/act"
	"github.com/cpgflow/cpgflow/cpg"
)

// Backoff parameters for the default retry path.
const (
	backoffBase   = 1 * time.Second
	backoffCap    = 60 * time.Second
	backoffFactor = 2
)

// CompensationAction is the recovery path chosen for a failed execution.
type CompensationAction string

const (
	CompRetry      CompensationAction = "retry"
	CompAlternate  CompensationAction = "alternate"
	CompSkip       CompensationAction = "skip"
	CompCompensate CompensationAction = "compensate"
	CompEscalate   CompensationAction = "escalate"
	CompFail       CompensationAction = "fail"
)

// CompensationDecision tells the step loop how to recover from one action
// failure.
type CompensationDecision struct {
	Action             CompensationAction
	RetryDelay         time.Duration
	AlternateNodeID    string
	CompensatingEdgeID string
	EscalationNodeID   string
	Detail             string
}

// Compensator decides recovery per the remediation rules: node-level
// remediation routes first, then the default retry path, then escalation,
// then terminal node failure with edge-level rollback.
//
// The decision is pure apart from jitter; the step loop applies it.
type Compensator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCompensator seeds the jitter source.
func NewCompensator() *Compensator {
	return &Compensator{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Decide picks the recovery path for a failed node execution.
// priorFailures is the consecutive-failure count before this failure.
// Activations created by compensation itself never compensate again: their
// failures go straight to the fail action.
func (c *Compensator) Decide(node *cpg.Node, result act.Result, priorFailures int, activationReason string) CompensationDecision {
	if isCompensationActivation(activationReason) {
		return CompensationDecision{
			Action: CompFail,
			Detail: "failure on a compensation path is terminal",
		}
	}

	if route, ok := node.Remediation(result.ErrorType); ok {
		switch route.Strategy {
		case cpg.RemediationRetry:
			if priorFailures < route.MaxRetries {
				return CompensationDecision{
					Action:     CompRetry,
					RetryDelay: c.backoff(priorFailures),
					Detail:     fmt.Sprintf("remediation retry %d/%d for %s", priorFailures+1, route.MaxRetries, result.ErrorType),
				}
			}
			// Retries exhausted; the route's alternate is the fallback.
			if route.AlternateNodeID != "" {
				return CompensationDecision{
					Action:          CompAlternate,
					AlternateNodeID: route.AlternateNodeID,
					Detail:          fmt.Sprintf("retries exhausted for %s, switching to %s", result.ErrorType, route.AlternateNodeID),
				}
			}
		case cpg.RemediationAlternate:
			return CompensationDecision{
				Action:          CompAlternate,
				AlternateNodeID: route.AlternateNodeID,
				Detail:          fmt.Sprintf("remediation alternate for %s", result.ErrorType),
			}
		case cpg.RemediationSkip:
			return CompensationDecision{
				Action: CompSkip,
				Detail: fmt.Sprintf("remediation skip for %s", result.ErrorType),
			}
		case cpg.RemediationCompensate:
			return CompensationDecision{
				Action:             CompCompensate,
				CompensatingEdgeID: route.CompensatingEdgeID,
				Detail:             fmt.Sprintf("remediation compensate via %s", route.CompensatingEdgeID),
			}
		case cpg.RemediationFail:
			return CompensationDecision{
				Action: CompFail,
				Detail: fmt.Sprintf("remediation fail for %s", result.ErrorType),
			}
		}
	}

	if result.Retryable && priorFailures < node.Action.Config.RetryCount {
		return CompensationDecision{
			Action:     CompRetry,
			RetryDelay: c.backoff(priorFailures),
			Detail:     fmt.Sprintf("transient failure, retry %d/%d", priorFailures+1, node.Action.Config.RetryCount),
		}
	}

	if esc, ok := node.Escalation(result.ErrorType); ok {
		return CompensationDecision{
			Action:           CompEscalate,
			EscalationNodeID: esc.NodeID,
			Detail:           fmt.Sprintf("escalating %s to %s", result.ErrorType, esc.NodeID),
		}
	}

	return CompensationDecision{Action: CompFail, Detail: "no remediation left"}
}

// backoff computes the retry delay with full jitter:
// uniform(0, min(cap, base * factor^attempt)).
func (c *Compensator) backoff(attempt int) time.Duration {
	ceiling := backoffBase
	for i := 0; i < attempt; i++ {
		ceiling *= backoffFactor
		if ceiling >= backoffCap {
			ceiling = backoffCap
			break
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(ceiling)) + 1)
}

// RollbackEdges walks the completed chain newest-first, once, and collects
// the compensating edges of predecessor edges whose compensation strategy
// is rollback. The step loop traverses each returned edge's target.
func RollbackEdges(g *cpg.ProcessGraph, inst *cpg.ProcessInstance) []cpg.Edge {
	completed := inst.CompletedNodeIDs()
	seenNode := map[string]bool{}
	seenEdge := map[string]bool{}
	var out []cpg.Edge

	for i := len(inst.NodeExecutions) - 1; i >= 0; i-- {
		rec := inst.NodeExecutions[i]
		if rec.Status != cpg.ExecutionCompleted || seenNode[rec.NodeID] {
			continue
		}
		seenNode[rec.NodeID] = true
		for _, e := range g.InboundEdges(rec.NodeID) {
			if e.Compensation == nil || e.Compensation.Strategy != cpg.CompensateRollback {
				continue
			}
			// Only edges that were actually part of the chain roll back.
			if !completed[e.Source] {
				continue
			}
			comp, ok := g.EdgeByID(e.Compensation.CompensatingEdgeID)
			if !ok || seenEdge[comp.ID] {
				continue
			}
			seenEdge[comp.ID] = true
			out = append(out, *comp)
		}
	}
	return out
}

// Activation reason prefixes used by the step loop.
const (
	reasonEntry        = "entry"
	reasonEdgePrefix   = "edge:"
	reasonEventPrefix  = "event:"
	reasonAltPrefix    = "alternate:"
	reasonEscalation   = "escalation"
	reasonCompPrefix   = "compensation:"
	reasonRollbackPref = "rollback:"
)

func isCompensationActivation(reason string) bool {
	return strings.HasPrefix(reason, reasonCompPrefix) || strings.HasPrefix(reason, reasonRollbackPref)
}

// alternateOrigin extracts the failed node a candidate stands in for, or
// empty when the activation is not an alternate.
func alternateOrigin(reason string) string {
	if strings.HasPrefix(reason, reasonAltPrefix) {
		return strings.TrimPrefix(reason, reasonAltPrefix)
	}
	return ""
}
