package engine_test

import (
	"testing"
	"time"

	"github.com/cpgflow/cpgflow/act"
	"github.com/cpgflow/cpgflow/cpg"
	"github.com/cpgflow/cpgflow/engine"
)

func TestCompensatorDecide(t *testing.T) {
	comp := engine.NewCompensator()
	node := &cpg.Node{
		ID:     "charge",
		Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, Config: cpg.ActionConfig{RetryCount: 2}},
		Exceptions: cpg.ExceptionRoutes{
			Remediations: map[string]cpg.RemediationRoute{
				"CardDeclined": {ErrorType: "CardDeclined", Strategy: cpg.RemediationAlternate, AlternateNodeID: "invoice"},
				"GatewayDown":  {ErrorType: "GatewayDown", Strategy: cpg.RemediationRetry, MaxRetries: 1, AlternateNodeID: "invoice"},
			},
			Escalations: []cpg.EscalationRoute{{ErrorType: "FraudSuspected", NodeID: "fraud-desk"}},
		},
	}

	t.Run("route alternate", func(t *testing.T) {
		d := comp.Decide(node, act.Failure("CardDeclined", "declined", false), 0, "edge:e1")
		if d.Action != engine.CompAlternate || d.AlternateNodeID != "invoice" {
			t.Fatalf("decision = %+v", d)
		}
	})

	t.Run("route retry with bounded delay", func(t *testing.T) {
		d := comp.Decide(node, act.Failure("GatewayDown", "down", false), 0, "edge:e1")
		if d.Action != engine.CompRetry {
			t.Fatalf("decision = %+v", d)
		}
		if d.RetryDelay <= 0 || d.RetryDelay > time.Second {
			t.Fatalf("first retry delay = %s, want (0, 1s]", d.RetryDelay)
		}
	})

	t.Run("exhausted route falls back to its alternate", func(t *testing.T) {
		d := comp.Decide(node, act.Failure("GatewayDown", "down", false), 1, "edge:e1")
		if d.Action != engine.CompAlternate || d.AlternateNodeID != "invoice" {
			t.Fatalf("decision = %+v", d)
		}
	})

	t.Run("default retry path for transient errors", func(t *testing.T) {
		d := comp.Decide(node, act.Failure("Hiccup", "blip", true), 1, "edge:e1")
		if d.Action != engine.CompRetry {
			t.Fatalf("decision = %+v", d)
		}
		d = comp.Decide(node, act.Failure("Hiccup", "blip", true), 2, "edge:e1")
		if d.Action != engine.CompFail {
			t.Fatalf("after exhausting retry count: %+v", d)
		}
	})

	t.Run("escalation route", func(t *testing.T) {
		d := comp.Decide(node, act.Failure("FraudSuspected", "flag", false), 0, "edge:e1")
		if d.Action != engine.CompEscalate || d.EscalationNodeID != "fraud-desk" {
			t.Fatalf("decision = %+v", d)
		}
	})

	t.Run("unknown non-retryable error fails", func(t *testing.T) {
		d := comp.Decide(node, act.Failure("Mystery", "boom", false), 0, "edge:e1")
		if d.Action != engine.CompFail {
			t.Fatalf("decision = %+v", d)
		}
	})

	t.Run("compensation path failures are terminal", func(t *testing.T) {
		for _, reason := range []string{"compensation:ce1", "rollback:ce2"} {
			d := comp.Decide(node, act.Failure("GatewayDown", "down", false), 0, reason)
			if d.Action != engine.CompFail {
				t.Fatalf("reason %s: decision = %+v, want fail", reason, d)
			}
		}
	})
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	comp := engine.NewCompensator()
	node := &cpg.Node{
		ID:     "n",
		Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, Config: cpg.ActionConfig{RetryCount: 100}},
	}

	maxFor := func(attempt int) time.Duration {
		var max time.Duration
		for i := 0; i < 50; i++ {
			d := comp.Decide(node, act.Failure("T", "t", true), attempt, "edge:e")
			if d.RetryDelay > max {
				max = d.RetryDelay
			}
		}
		return max
	}

	if m := maxFor(0); m > time.Second {
		t.Fatalf("attempt 0 delay up to %s, ceiling is 1s", m)
	}
	if m := maxFor(10); m > 60*time.Second {
		t.Fatalf("attempt 10 delay up to %s, cap is 60s", m)
	}
}

func TestRollbackEdges(t *testing.T) {
	seq := cpg.ExecutionSemantics{Type: cpg.SemanticsSequential}
	comp := cpg.ExecutionSemantics{Type: cpg.SemanticsCompensating}
	rollback := func(compEdge string) *cpg.CompensationSemantics {
		return &cpg.CompensationSemantics{Strategy: cpg.CompensateRollback, CompensatingEdgeID: compEdge}
	}

	g := &cpg.ProcessGraph{
		ID: "saga", Version: "1",
		Nodes: []cpg.Node{
			testNode("reserve"), testNode("charge"), testNode("ship"),
			testNode("release"), testNode("refund"), testNode("done"),
		},
		Edges: []cpg.Edge{
			{ID: "e1", Source: "reserve", Target: "charge", Semantics: seq, Compensation: rollback("c1")},
			{ID: "e2", Source: "charge", Target: "ship", Semantics: seq, Compensation: rollback("c2")},
			{ID: "c1", Source: "charge", Target: "release", Semantics: comp},
			{ID: "c2", Source: "ship", Target: "refund", Semantics: comp},
			{ID: "e3", Source: "ship", Target: "done", Semantics: seq},
		},
		EntryNodeIDs:    []string{"reserve"},
		TerminalNodeIDs: []string{"done"},
	}

	inst := cpg.NewInstance(g, cpg.NewExecutionContext(nil, nil), "")
	now := time.Now().UTC()
	for _, id := range []string{"reserve", "charge"} {
		inst.AppendExecution(cpg.NodeExecution{NodeID: id, StartedAt: now, CompletedAt: &now, Status: cpg.ExecutionCompleted})
	}

	edges := engine.RollbackEdges(g, inst)
	if len(edges) != 1 || edges[0].ID != "c1" {
		t.Fatalf("rollback edges = %v, want [c1]", edgeIDs(edges))
	}

	// With ship also completed, the walk finds both, newest first.
	inst.AppendExecution(cpg.NodeExecution{NodeID: "ship", StartedAt: now, CompletedAt: &now, Status: cpg.ExecutionCompleted})
	edges = engine.RollbackEdges(g, inst)
	if len(edges) != 2 || edges[0].ID != "c2" || edges[1].ID != "c1" {
		t.Fatalf("rollback edges = %v, want [c2 c1]", edgeIDs(edges))
	}
}

func edgeIDs(edges []cpg.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.ID)
	}
	return out
}
