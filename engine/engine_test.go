package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cpgflow/cpgflow/act"
	"github.com/cpgflow/cpgflow/cpg"
	"github.com/cpgflow/cpgflow/engine"
	"github.com/cpgflow/cpgflow/publish"
	"github.com/cpgflow/cpgflow/store"
)

func testNode(id string) cpg.Node {
	return cpg.Node{
		ID:     id,
		Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, HandlerRef: id},
	}
}

func testEdge(id, source, target string) cpg.Edge {
	return cpg.Edge{
		ID:        id,
		Source:    source,
		Target:    target,
		Semantics: cpg.ExecutionSemantics{Type: cpg.SemanticsSequential},
	}
}

func okHandler(output map[string]any) act.Handler {
	return act.HandlerFunc(func(_ context.Context, _ act.Request) (act.Result, error) {
		return act.Success(output), nil
	})
}

func failHandler(errorType string, retryable bool) act.Handler {
	return act.HandlerFunc(func(_ context.Context, _ act.Request) (act.Result, error) {
		return act.Failure(errorType, "handler failed", retryable), nil
	})
}

type testEnv struct {
	eng    *engine.Engine
	store  *store.MemStore
	events *publish.BufferedPublisher
}

func newTestEnv(t *testing.T, g *cpg.ProcessGraph, reg *act.Registry, decisions engine.DecisionEvaluator, opts ...engine.Option) *testEnv {
	t.Helper()
	if err := g.Validate(); err != nil {
		t.Fatalf("graph does not validate: %v", err)
	}
	st := store.NewMemStore()
	if err := st.PutGraph(context.Background(), g); err != nil {
		t.Fatalf("put graph: %v", err)
	}
	events := publish.NewBufferedPublisher()
	all := append([]engine.Option{engine.WithActions(reg), engine.WithPublisher(events)}, opts...)
	eng := engine.New(st, st, st, nil, decisions, all...)
	t.Cleanup(eng.Shutdown)
	return &testEnv{eng: eng, store: st, events: events}
}

func mustStart(t *testing.T, env *testEnv, req engine.StartRequest) engine.StatusView {
	t.Helper()
	view, err := env.eng.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return view
}

func mustStep(t *testing.T, env *testEnv, instanceID string) engine.StatusView {
	t.Helper()
	view, err := env.eng.Step(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	return view
}

func traceTypes(t *testing.T, env *testEnv, instanceID string) []cpg.TraceType {
	t.Helper()
	traces, err := env.store.ListTraces(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	out := make([]cpg.TraceType, 0, len(traces))
	for _, tr := range traces {
		out = append(out, tr.Type)
	}
	return out
}

func linearGraph() *cpg.ProcessGraph {
	return &cpg.ProcessGraph{
		ID:      "onboarding",
		Version: "1",
		Status:  cpg.GraphPublished,
		Nodes:   []cpg.Node{testNode("collect"), testNode("review"), testNode("done")},
		Edges: []cpg.Edge{
			testEdge("e-collect-review", "collect", "review"),
			testEdge("e-review-done", "review", "done"),
		},
		EntryNodeIDs:    []string{"collect"},
		TerminalNodeIDs: []string{"done"},
	}
}

func TestLinearRunToCompletion(t *testing.T) {
	reg := act.NewRegistry()
	reg.Register(cpg.ActionSystemInvocation, "collect", okHandler(map[string]any{"collected": true}))
	reg.Register(cpg.ActionSystemInvocation, "review", okHandler(map[string]any{"reviewed": true}))
	reg.Register(cpg.ActionSystemInvocation, "done", okHandler(nil))

	env := newTestEnv(t, linearGraph(), reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding", CorrelationID: "case-1"})

	for i := 0; i < 3; i++ {
		view = mustStep(t, env, view.InstanceID)
	}

	if view.Status != cpg.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}
	if view.CompletedAt == nil {
		t.Fatal("CompletedAt not set on completion")
	}
	if len(view.ActiveNodeIDs) != 0 || len(view.PendingEdgeIDs) != 0 {
		t.Fatalf("completed instance has leftovers: active=%v pending=%v", view.ActiveNodeIDs, view.PendingEdgeIDs)
	}

	inst, err := env.store.LoadInstance(context.Background(), view.InstanceID)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	order := []string{"collect", "review", "done"}
	if len(inst.NodeExecutions) != len(order) {
		t.Fatalf("got %d executions, want %d", len(inst.NodeExecutions), len(order))
	}
	for i, want := range order {
		rec := inst.NodeExecutions[i]
		if rec.NodeID != want || rec.Status != cpg.ExecutionCompleted {
			t.Fatalf("execution %d = %s/%s, want %s/completed", i, rec.NodeID, rec.Status, want)
		}
	}
	if got := inst.Context.State["collected"]; got != true {
		t.Fatalf("state.collected = %v, want true", got)
	}

	types := traceTypes(t, env, view.InstanceID)
	if types[0] != cpg.TraceNavigation || types[len(types)-1] != cpg.TraceTerminal {
		t.Fatalf("trace types = %v, want navigation first and terminal last", types)
	}

	got := map[string]bool{}
	for _, ev := range env.events.History("case-1") {
		got[ev.EventType] = true
	}
	for _, want := range []string{cpg.EventProcessStarted, cpg.EventNodeStarted, cpg.EventNodeExecuted, cpg.EventEdgeTraversed, cpg.EventProcessCompleted} {
		if !got[want] {
			t.Errorf("event %s never published", want)
		}
	}
}

func TestBranchOnRuleOutcome(t *testing.T) {
	g := &cpg.ProcessGraph{
		ID:      "credit",
		Version: "1",
		Status:  cpg.GraphPublished,
		Nodes: []cpg.Node{
			{
				ID: "assess",
				BusinessRules: []cpg.BusinessRule{
					{Name: "risk-rating", Decision: "risk", Category: cpg.RuleDerivation},
				},
				Action: cpg.ActionSpec{Type: cpg.ActionDecision, HandlerRef: "assess"},
			},
			testNode("auto-approve"),
			testNode("manual-review"),
			testNode("done"),
		},
		Edges: []cpg.Edge{
			{
				ID: "e-low", Source: "assess", Target: "auto-approve",
				Guards:    cpg.GuardConditions{RuleOutcomes: []cpg.RuleOutcomeCondition{{Key: "riskLevel", Expected: "low"}}},
				Semantics: cpg.ExecutionSemantics{Type: cpg.SemanticsSequential},
			},
			{
				ID: "e-high", Source: "assess", Target: "manual-review",
				Guards:    cpg.GuardConditions{RuleOutcomes: []cpg.RuleOutcomeCondition{{Key: "riskLevel", Expected: "high"}}},
				Semantics: cpg.ExecutionSemantics{Type: cpg.SemanticsSequential},
			},
			testEdge("e-aa-done", "auto-approve", "done"),
			testEdge("e-mr-done", "manual-review", "done"),
		},
		EntryNodeIDs:    []string{"assess"},
		TerminalNodeIDs: []string{"done"},
	}

	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionDecision, okHandler(nil))
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))
	decisions := &engine.StaticDecisionEvaluator{Table: map[string]any{
		"risk": map[string]any{"riskLevel": "high"},
	}}

	env := newTestEnv(t, g, reg, decisions)
	view := mustStart(t, env, engine.StartRequest{GraphID: "credit"})
	view = mustStep(t, env, view.InstanceID)

	if len(view.ActiveNodeIDs) != 1 || view.ActiveNodeIDs[0] != "manual-review" {
		t.Fatalf("active after branch = %v, want [manual-review]", view.ActiveNodeIDs)
	}

	inst, err := env.store.LoadInstance(context.Background(), view.InstanceID)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if got := inst.Context.State["riskLevel"]; got != "high" {
		t.Fatalf("state.riskLevel = %v, want high", got)
	}
	if got := inst.RuleOutcomes["assess"]["riskLevel"]; got != "high" {
		t.Fatalf("recorded rule outcome = %v, want high", got)
	}
}

func eventGatedGraph() *cpg.ProcessGraph {
	return &cpg.ProcessGraph{
		ID:      "fulfillment",
		Version: "1",
		Status:  cpg.GraphPublished,
		Nodes:   []cpg.Node{testNode("place-order"), testNode("ship"), testNode("done")},
		Edges: []cpg.Edge{
			{
				ID: "e-order-ship", Source: "place-order", Target: "ship",
				Guards:    cpg.GuardConditions{Events: []cpg.EventCondition{{EventType: "payment.received", MustHaveOccurred: true}}},
				Semantics: cpg.ExecutionSemantics{Type: cpg.SemanticsSequential},
				Triggers:  cpg.EventTriggers{Reevaluation: []string{"payment.received"}},
			},
			testEdge("e-ship-done", "ship", "done"),
		},
		EntryNodeIDs:    []string{"place-order"},
		TerminalNodeIDs: []string{"done"},
	}
}

func TestWaitForExternalEvent(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, eventGatedGraph(), reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "fulfillment"})
	id := view.InstanceID

	view = mustStep(t, env, id)
	if len(view.PendingEdgeIDs) != 1 || view.PendingEdgeIDs[0] != "e-order-ship" {
		t.Fatalf("pending edges = %v, want [e-order-ship]", view.PendingEdgeIDs)
	}

	// With nothing active and the edge parked, a step is a pure wait.
	before := view.Version
	view = mustStep(t, env, id)
	if view.Version != before {
		t.Fatalf("wait step persisted a change: version %d -> %d", before, view.Version)
	}
	types := traceTypes(t, env, id)
	if types[len(types)-1] != cpg.TraceWait {
		t.Fatalf("last trace = %s, want wait", types[len(types)-1])
	}

	available, err := env.eng.GetAvailableEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("available events: %v", err)
	}
	if len(available) != 1 || available[0] != "payment.received" {
		t.Fatalf("available events = %v, want [payment.received]", available)
	}

	event := cpg.NewEvent("payment.received", cpg.EventSource{Kind: cpg.SourceExternal, ID: "payments"}, id, map[string]any{"amount": 99.5})
	delivered, err := env.eng.Signal(context.Background(), event)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != id {
		t.Fatalf("delivered = %v, want [%s]", delivered, id)
	}

	view = mustStep(t, env, id) // ship
	view = mustStep(t, env, id) // done
	if view.Status != cpg.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}

	inst, err := env.store.LoadInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if len(inst.Context.EventHistory) != 1 || inst.Context.EventHistory[0].MatchedBy != engine.MatchCorrelationID {
		t.Fatalf("event history = %+v", inst.Context.EventHistory)
	}
}

func TestCorrelatedEventBeforeGuardedEdgePends(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, eventGatedGraph(), reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "fulfillment"})
	id := view.InstanceID

	// The payment lands before place-order has run: nothing subscribes to
	// the type and no guarded edge is parked yet. Correlation ID equality
	// must still deliver it.
	event := cpg.NewEvent("payment.received", cpg.EventSource{Kind: cpg.SourceExternal, ID: "payments"}, id, map[string]any{"amount": 42.0})
	delivered, err := env.eng.Signal(context.Background(), event)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != id {
		t.Fatalf("delivered = %v, want [%s]", delivered, id)
	}

	inst, err := env.store.LoadInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if len(inst.Context.EventHistory) != 1 || inst.Context.EventHistory[0].MatchedBy != engine.MatchCorrelationID {
		t.Fatalf("event history = %+v, want the early event recorded", inst.Context.EventHistory)
	}

	// place-order completes; the guard reads the already-recorded event and
	// the edge traverses instead of parking.
	view = mustStep(t, env, id)
	if len(view.PendingEdgeIDs) != 0 {
		t.Fatalf("pending edges = %v, want none", view.PendingEdgeIDs)
	}
	if len(view.ActiveNodeIDs) != 1 || view.ActiveNodeIDs[0] != "ship" {
		t.Fatalf("active = %v, want [ship]", view.ActiveNodeIDs)
	}

	view = mustStep(t, env, id) // ship
	view = mustStep(t, env, id) // done
	if view.Status != cpg.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}
}

func TestExpressionCorrelation(t *testing.T) {
	g := &cpg.ProcessGraph{
		ID:      "payments",
		Version: "1",
		Status:  cpg.GraphPublished,
		Nodes: []cpg.Node{
			testNode("await"),
			{
				ID:     "settle",
				Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, HandlerRef: "settle"},
				Events: cpg.EventConfig{Subscribes: []cpg.Subscription{{
					EventType:       "payment.received",
					CorrelationExpr: `event.payload.orderId == domain.orderId`,
				}}},
			},
			testNode("done"),
		},
		Edges: []cpg.Edge{
			testEdge("e-await-done", "await", "done"),
			testEdge("e-settle-done", "settle", "done"),
		},
		EntryNodeIDs:    []string{"await"},
		TerminalNodeIDs: []string{"done"},
	}

	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, g, reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "payments", Domain: map[string]any{"orderId": "O-17"}})
	id := view.InstanceID

	miss := cpg.NewEvent("payment.received", cpg.EventSource{Kind: cpg.SourceExternal, ID: "psp"}, "", map[string]any{"orderId": "O-99"})
	delivered, err := env.eng.Signal(context.Background(), miss)
	if err != nil {
		t.Fatalf("signal miss: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("mismatched event delivered to %v", delivered)
	}

	hit := cpg.NewEvent("payment.received", cpg.EventSource{Kind: cpg.SourceExternal, ID: "psp"}, "", map[string]any{"orderId": "O-17"})
	delivered, err = env.eng.Signal(context.Background(), hit)
	if err != nil {
		t.Fatalf("signal hit: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != id {
		t.Fatalf("delivered = %v, want [%s]", delivered, id)
	}

	status, err := env.eng.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	found := false
	for _, n := range status.ActiveNodeIDs {
		if n == "settle" {
			found = true
		}
	}
	if !found {
		t.Fatalf("settle not activated by subscription, active=%v", status.ActiveNodeIDs)
	}

	inst, err := env.store.LoadInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.Context.EventHistory[0].MatchedBy != engine.MatchExpression {
		t.Fatalf("matched by %s, want %s", inst.Context.EventHistory[0].MatchedBy, engine.MatchExpression)
	}
}

func TestRetryThenAlternate(t *testing.T) {
	g := &cpg.ProcessGraph{
		ID:      "notify",
		Version: "1",
		Status:  cpg.GraphPublished,
		Nodes: []cpg.Node{
			testNode("prepare"),
			{
				ID:     "send-primary",
				Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, HandlerRef: "send-primary"},
				Exceptions: cpg.ExceptionRoutes{Remediations: map[string]cpg.RemediationRoute{
					"ServiceError": {ErrorType: "ServiceError", Strategy: cpg.RemediationRetry, MaxRetries: 2, AlternateNodeID: "send-fallback"},
				}},
			},
			testNode("send-fallback"),
			testNode("done"),
		},
		Edges: []cpg.Edge{
			testEdge("e-prep-send", "prepare", "send-primary"),
			testEdge("e-send-done", "send-primary", "done"),
			testEdge("e-fallback-done", "send-fallback", "done"),
		},
		EntryNodeIDs:    []string{"prepare"},
		TerminalNodeIDs: []string{"done"},
	}

	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))
	reg.Register(cpg.ActionSystemInvocation, "send-primary", failHandler("ServiceError", false))

	env := newTestEnv(t, g, reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "notify"})
	id := view.InstanceID

	mustStep(t, env, id) // prepare

	for i := 0; i < 2; i++ {
		view = mustStep(t, env, id)
		if len(view.ActiveNodeIDs) != 1 || view.ActiveNodeIDs[0] != "send-primary" {
			t.Fatalf("retry %d: active = %v, want [send-primary]", i+1, view.ActiveNodeIDs)
		}
	}
	types := traceTypes(t, env, id)
	if types[len(types)-1] != cpg.TraceRetry {
		t.Fatalf("last trace = %s, want retry", types[len(types)-1])
	}

	// Third failure exhausts the route; the alternate takes over.
	view = mustStep(t, env, id)
	if len(view.ActiveNodeIDs) != 1 || view.ActiveNodeIDs[0] != "send-fallback" {
		t.Fatalf("active after exhaustion = %v, want [send-fallback]", view.ActiveNodeIDs)
	}
	types = traceTypes(t, env, id)
	if types[len(types)-1] != cpg.TraceCompensate {
		t.Fatalf("last trace = %s, want compensate", types[len(types)-1])
	}

	view = mustStep(t, env, id) // send-fallback
	view = mustStep(t, env, id) // done
	if view.Status != cpg.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}

	inst, err := env.store.LoadInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.ConsecutiveFailures["send-primary"] != 0 {
		t.Fatalf("failure counter = %d, want 0 after alternate success", inst.ConsecutiveFailures["send-primary"])
	}
	failures := 0
	for _, rec := range inst.NodeExecutions {
		if rec.NodeID == "send-primary" && rec.Status == cpg.ExecutionFailed {
			failures++
		}
	}
	if failures != 3 {
		t.Fatalf("recorded %d failures of send-primary, want 3", failures)
	}
}

func TestParallelFanOutAndJoin(t *testing.T) {
	parallel := cpg.ExecutionSemantics{Type: cpg.SemanticsParallel}
	joinAll := cpg.ExecutionSemantics{Type: cpg.SemanticsParallel, Join: cpg.JoinAll}
	g := &cpg.ProcessGraph{
		ID:      "kyc",
		Version: "1",
		Status:  cpg.GraphPublished,
		Nodes:   []cpg.Node{testNode("intake"), testNode("check-id"), testNode("check-funds"), testNode("done")},
		Edges: []cpg.Edge{
			{ID: "e-fan-id", Source: "intake", Target: "check-id", Semantics: parallel},
			{ID: "e-fan-funds", Source: "intake", Target: "check-funds", Semantics: parallel},
			{ID: "e-join-id", Source: "check-id", Target: "done", Semantics: joinAll},
			{ID: "e-join-funds", Source: "check-funds", Target: "done", Semantics: joinAll},
		},
		EntryNodeIDs:    []string{"intake"},
		TerminalNodeIDs: []string{"done"},
	}

	ready := make(chan struct{}, 2)
	proceed := make(chan struct{})
	barrier := act.HandlerFunc(func(_ context.Context, req act.Request) (act.Result, error) {
		ready <- struct{}{}
		select {
		case <-proceed:
			return act.Success(map[string]any{req.NodeID: "checked"}), nil
		case <-time.After(2 * time.Second):
			return act.Failure("Timeout", "peer check never started", false), nil
		}
	})

	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))
	reg.Register(cpg.ActionSystemInvocation, "check-id", barrier)
	reg.Register(cpg.ActionSystemInvocation, "check-funds", barrier)

	env := newTestEnv(t, g, reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "kyc"})
	id := view.InstanceID

	view = mustStep(t, env, id) // intake
	if len(view.ActiveNodeIDs) != 2 {
		t.Fatalf("active after fan-out = %v, want both checks", view.ActiveNodeIDs)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2; i++ {
			<-ready
		}
		close(proceed)
	}()
	view = mustStep(t, env, id) // both checks, concurrently
	wg.Wait()

	if len(view.ActiveNodeIDs) != 1 || view.ActiveNodeIDs[0] != "done" {
		t.Fatalf("active after join = %v, want [done]", view.ActiveNodeIDs)
	}

	traces, err := env.store.ListTraces(context.Background(), id)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	last := traces[len(traces)-1]
	if last.Decision.Criterion != "parallel-group" {
		t.Fatalf("criterion = %s, want parallel-group", last.Decision.Criterion)
	}
	if len(last.Decision.SelectedNodeIDs) != 2 {
		t.Fatalf("selected = %v, want both checks", last.Decision.SelectedNodeIDs)
	}

	view = mustStep(t, env, id) // done
	if view.Status != cpg.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}

	inst, err := env.store.LoadInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if got := inst.Context.State["check-id"]; got != "checked" {
		t.Fatalf("state.check-id = %v, want checked", got)
	}
	if got := inst.Context.State["check-funds"]; got != "checked" {
		t.Fatalf("state.check-funds = %v, want checked", got)
	}
}

func TestGovernanceRejectLeavesInstanceRunnable(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, linearGraph(), reg, nil)
	view := mustStart(t, env, engine.StartRequest{
		GraphID: "onboarding",
		Client:  map[string]any{"principal": "alice", "permissions": []any{}},
	})
	id := view.InstanceID

	view = mustStep(t, env, id)
	if view.Status != cpg.StatusRunning {
		t.Fatalf("status = %s, want running after reject", view.Status)
	}

	inst, err := env.store.LoadInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if len(inst.NodeExecutions) != 0 {
		t.Fatalf("handler ran despite governance reject: %v", inst.NodeExecutions)
	}

	traces, err := env.store.ListTraces(context.Background(), id)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	last := traces[len(traces)-1]
	if last.Type != cpg.TraceGovernanceReject {
		t.Fatalf("last trace = %s, want governance-reject", last.Type)
	}
	if last.Governance.Reason != "authorization" {
		t.Fatalf("reject reason = %s, want authorization", last.Governance.Reason)
	}

	// The same instance executes once the caller carries the permission.
	view2 := mustStart(t, env, engine.StartRequest{
		GraphID: "onboarding",
		Client:  map[string]any{"principal": "alice", "permissions": []any{"execute:system-invocation"}},
	})
	for i := 0; i < 3; i++ {
		view2 = mustStep(t, env, view2.InstanceID)
	}
	if view2.Status != cpg.StatusCompleted {
		t.Fatalf("authorized run status = %s, want completed", view2.Status)
	}
}

func TestEmergencySystemStateBlocksExecution(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, linearGraph(), reg, nil, engine.WithSystemState(engine.SystemStateEmergency))
	view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding"})

	mustStep(t, env, view.InstanceID)
	traces, err := env.store.ListTraces(context.Background(), view.InstanceID)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	last := traces[len(traces)-1]
	if last.Type != cpg.TraceGovernanceReject || last.Governance.Reason != "policy" {
		t.Fatalf("trace = %s/%s, want governance-reject/policy", last.Type, last.Governance.Reason)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))
	ctx := context.Background()

	t.Run("suspend and resume", func(t *testing.T) {
		env := newTestEnv(t, linearGraph(), reg, nil)
		view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding"})
		id := view.InstanceID

		view, err := env.eng.Suspend(ctx, id)
		if err != nil {
			t.Fatalf("suspend: %v", err)
		}
		if view.Status != cpg.StatusSuspended {
			t.Fatalf("status = %s, want suspended", view.Status)
		}

		if _, err := env.eng.Step(ctx, id); !cpg.IsKind(err, cpg.KindInvalidState) {
			t.Fatalf("step while suspended: err = %v, want invalid-state", err)
		}

		// Suspending again is a no-op, not an error.
		again, err := env.eng.Suspend(ctx, id)
		if err != nil {
			t.Fatalf("re-suspend: %v", err)
		}
		if again.Version != view.Version {
			t.Fatalf("idempotent suspend bumped version %d -> %d", view.Version, again.Version)
		}

		view, err = env.eng.Resume(ctx, id)
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if view.Status != cpg.StatusRunning {
			t.Fatalf("status = %s, want running", view.Status)
		}
		for i := 0; i < 3; i++ {
			view = mustStep(t, env, id)
		}
		if view.Status != cpg.StatusCompleted {
			t.Fatalf("status = %s, want completed", view.Status)
		}
	})

	t.Run("resume requires suspended", func(t *testing.T) {
		env := newTestEnv(t, linearGraph(), reg, nil)
		view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding"})
		if _, err := env.eng.Resume(ctx, view.InstanceID); !cpg.IsKind(err, cpg.KindInvalidState) {
			t.Fatalf("resume running: err = %v, want invalid-state", err)
		}
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		env := newTestEnv(t, linearGraph(), reg, nil)
		view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding", CorrelationID: "case-c"})
		id := view.InstanceID

		view, err := env.eng.Cancel(ctx, id)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if view.Status != cpg.StatusCancelled || view.CompletedAt == nil {
			t.Fatalf("cancelled view = %s/%v", view.Status, view.CompletedAt)
		}

		if _, err := env.eng.Cancel(ctx, id); !cpg.IsKind(err, cpg.KindAlreadyTerminal) {
			t.Fatalf("double cancel: err = %v, want already-terminal", err)
		}
		if _, err := env.eng.Step(ctx, id); !cpg.IsKind(err, cpg.KindAlreadyTerminal) {
			t.Fatalf("step cancelled: err = %v, want already-terminal", err)
		}

		delivered, err := env.eng.Signal(ctx, cpg.NewEvent("anything", cpg.EventSource{Kind: cpg.SourceExternal, ID: "x"}, id, nil))
		if err != nil {
			t.Fatalf("signal cancelled: %v", err)
		}
		if len(delivered) != 0 {
			t.Fatalf("cancelled instance received event: %v", delivered)
		}

		found := false
		for _, ev := range env.events.History("case-c") {
			if ev.EventType == cpg.EventProcessCancelled {
				found = true
			}
		}
		if !found {
			t.Fatal("process.cancelled never published")
		}
	})

	t.Run("not found errors", func(t *testing.T) {
		env := newTestEnv(t, linearGraph(), reg, nil)
		if _, err := env.eng.Start(ctx, engine.StartRequest{GraphID: "nope"}); !cpg.IsKind(err, cpg.KindGraphNotFound) {
			t.Fatalf("start unknown graph: err = %v, want graph-not-found", err)
		}
		if _, err := env.eng.GetStatus(ctx, "missing"); !cpg.IsKind(err, cpg.KindInstanceNotFound) {
			t.Fatalf("status unknown instance: err = %v, want instance-not-found", err)
		}
	})
}

func TestGetHistory(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, linearGraph(), reg, nil)
	view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding"})
	for i := 0; i < 3; i++ {
		mustStep(t, env, view.InstanceID)
	}

	hist, err := env.eng.GetHistory(context.Background(), view.InstanceID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Executions) != 3 {
		t.Fatalf("got %d executions, want 3", len(hist.Executions))
	}
	if len(hist.Traces) < 4 {
		t.Fatalf("got %d traces, want at least start + 3 steps", len(hist.Traces))
	}
	for i := 1; i < len(hist.Traces); i++ {
		if hist.Traces[i].Timestamp.Before(hist.Traces[i-1].Timestamp) {
			t.Fatal("traces out of order")
		}
	}
}

func TestWorkerModeRunsToCompletion(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	env := newTestEnv(t, linearGraph(), reg, nil, engine.WithWorkers(2))
	view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding"})

	deadline := time.After(5 * time.Second)
	for {
		status, err := env.eng.GetStatus(context.Background(), view.InstanceID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Status == cpg.StatusCompleted {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("instance stuck in %s", status.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeterministicSelection(t *testing.T) {
	reg := act.NewRegistry()
	reg.RegisterType(cpg.ActionSystemInvocation, okHandler(nil))

	selections := func() [][]string {
		env := newTestEnv(t, linearGraph(), reg, nil)
		view := mustStart(t, env, engine.StartRequest{GraphID: "onboarding"})
		for i := 0; i < 3; i++ {
			mustStep(t, env, view.InstanceID)
		}
		traces, err := env.store.ListTraces(context.Background(), view.InstanceID)
		if err != nil {
			t.Fatalf("list traces: %v", err)
		}
		var out [][]string
		for _, tr := range traces {
			if len(tr.Decision.SelectedNodeIDs) > 0 {
				out = append(out, tr.Decision.SelectedNodeIDs)
			}
		}
		return out
	}

	first, second := selections(), selections()
	if len(first) != len(second) {
		t.Fatalf("selection counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatalf("step %d selections differ: %v vs %v", i, first[i], second[i])
		}
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatalf("step %d selections differ: %v vs %v", i, first[i], second[i])
			}
		}
	}
}
