package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
	"github.com/cpgflow/cpgflow/exprval"
	"github.com/cpgflow/cpgflow/store"
)

// Engine drives governed process instances: it evaluates the graph against
// the runtime context, executes selected actions through the handler
// registry, and records every decision as a trace.
//
// With WithWorkers the engine runs instances itself off the bounded work
// queue; without workers the caller drives each instance through Step.
// Either way all mutation of one instance happens under its lock, and every
// save goes through optimistic versioning.
type Engine struct {
	graphs    store.GraphStore
	instances store.InstanceStore
	traces    store.TraceStore

	exprs    ExpressionEvaluator
	eval     *Evaluator
	governor *Governor
	comp     *Compensator
	sched    *scheduler
	opts     Options

	inflightMu sync.Mutex
	inflight   map[string][]*inflightToken
}

type inflightToken struct {
	cancel context.CancelFunc
}

// New wires the engine to its stores and evaluation ports. A nil expression
// port gets the default expression evaluator; a nil decision port routes
// decision references through the expression port.
func New(graphs store.GraphStore, instances store.InstanceStore, traces store.TraceStore, expressions ExpressionEvaluator, decisions DecisionEvaluator, opts ...Option) *Engine {
	options := defaultOptions()
	for _, o := range opts {
		o(&options)
	}
	if expressions == nil {
		expressions = exprval.New(0, 0)
	}
	if decisions == nil {
		decisions = &ExpressionDecisionEvaluator{Expressions: expressions}
	}
	policies := &DecisionPolicyEvaluator{Decisions: decisions}
	rules := &DecisionRuleEvaluator{Decisions: decisions}

	e := &Engine{
		graphs:    graphs,
		instances: instances,
		traces:    traces,
		exprs:     expressions,
		eval:      NewEvaluator(expressions, policies, rules),
		governor:  NewGovernor(options.Governance, policies),
		comp:      NewCompensator(),
		sched:     newScheduler(options.QueueDepth),
		opts:      options,
		inflight:  map[string][]*inflightToken{},
	}
	if options.Workers > 0 {
		e.sched.Run(options.Workers, e.workerStep)
	}
	return e
}

// Shutdown stops the worker pool and waits for in-flight steps.
func (e *Engine) Shutdown() {
	e.sched.Shutdown()
}

// StartRequest carries everything needed to start an instance.
type StartRequest struct {
	GraphID       string
	GraphVersion  string
	CorrelationID string
	Client        map[string]any
	Domain        map[string]any
}

// StatusView is the externally visible state of an instance.
type StatusView struct {
	InstanceID     string
	GraphID        string
	GraphVersion   string
	Status         cpg.InstanceStatus
	ActiveNodeIDs  []string
	PendingEdgeIDs []string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Version        int64
}

// History pairs the execution records with the decision traces.
type History struct {
	Executions []cpg.NodeExecution
	Traces     []*cpg.DecisionTrace
}

// Start creates and persists a running instance of the graph. Entry nodes
// are not executed here; the first step does that. With workers enabled the
// instance is queued immediately; a full queue returns a backpressure error
// with the instance already saved, so the caller can retry or step manually.
func (e *Engine) Start(ctx context.Context, req StartRequest) (StatusView, error) {
	g, err := e.loadGraph(ctx, req.GraphID, req.GraphVersion)
	if err != nil {
		return StatusView{}, err
	}
	if err := validateContextMaps(req.Client, req.Domain); err != nil {
		return StatusView{}, err
	}

	inst := cpg.NewInstance(g, cpg.NewExecutionContext(req.Client, req.Domain), req.CorrelationID)
	if err := e.instances.SaveInstance(ctx, inst, 0); err != nil {
		return StatusView{}, cpg.WrapError(cpg.KindUnknown, "save new instance", err)
	}

	trace := cpg.NewTrace(inst.ID, cpg.TraceNavigation)
	trace.Context = cpg.SummarizeContext(&inst.Context, e.opts.SystemState)
	trace.Outcome = cpg.OutcomeSnapshot{Status: "started"}
	if err := e.traces.AppendTrace(ctx, trace); err != nil {
		return e.view(inst), cpg.WrapError(cpg.KindUnknown, "append start trace", err)
	}

	e.opts.Publisher.PublishAsync(e.lifecycleEvent(inst, cpg.EventProcessStarted, nil))

	if e.opts.Workers > 0 {
		if err := e.sched.Enqueue(ctx, WorkItem{InstanceID: inst.ID, Reason: "start"}, e.opts.BackpressureTimeout); err != nil {
			e.opts.Metrics.recordBackpressure("start")
			return e.view(inst), err
		}
		e.opts.Metrics.setQueueDepth(e.sched.Depth())
	}
	return e.view(inst), nil
}

// Step performs one logical step of the instance: evaluate, select, govern,
// execute, commit. Suspended and terminal instances refuse with a typed
// error. Safe to call concurrently; steps of the same instance serialize.
func (e *Engine) Step(ctx context.Context, instanceID string) (StatusView, error) {
	view, _, err := e.step(ctx, instanceID)
	return view, err
}

// step is Step plus a progress flag for the worker loop.
func (e *Engine) step(ctx context.Context, instanceID string) (StatusView, bool, error) {
	e.sched.Lock(instanceID)
	defer e.sched.Unlock(instanceID)

	e.opts.Metrics.stepStarted()
	begin := time.Now()

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxStepRetries; attempt++ {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			e.opts.Metrics.stepFinished("", "load-error", time.Since(begin))
			return StatusView{}, false, err
		}
		if inst.Status.Terminal() {
			e.opts.Metrics.stepFinished(inst.GraphID, "terminal", time.Since(begin))
			return e.view(inst), false, cpg.Errorf(cpg.KindAlreadyTerminal, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status == cpg.StatusSuspended {
			e.opts.Metrics.stepFinished(inst.GraphID, "suspended", time.Since(begin))
			return e.view(inst), false, cpg.Errorf(cpg.KindInvalidState, "instance %s is suspended", inst.ID)
		}

		g, err := e.loadGraph(ctx, inst.GraphID, inst.GraphVersion)
		if err != nil {
			e.opts.Metrics.stepFinished(inst.GraphID, "load-error", time.Since(begin))
			return StatusView{}, false, err
		}

		res := e.runStep(ctx, g, inst)

		if res.changed {
			if err := e.instances.SaveInstance(ctx, inst, inst.Version); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					lastErr = err
					continue
				}
				e.opts.Metrics.stepFinished(inst.GraphID, "save-error", time.Since(begin))
				return StatusView{}, false, cpg.WrapError(cpg.KindUnknown, "save instance", err)
			}
			for _, key := range res.recordKeys {
				e.governor.RecordExecution(key)
			}
		}
		if err := e.traces.AppendTrace(ctx, res.trace); err != nil {
			e.opts.Metrics.stepFinished(inst.GraphID, "trace-error", time.Since(begin))
			return e.view(inst), res.changed, cpg.WrapError(cpg.KindUnknown, "append trace", err)
		}
		for _, ev := range res.events {
			e.opts.Publisher.PublishAsync(ev)
		}
		if res.retryDelay > 0 && e.opts.Workers > 0 {
			e.sched.ScheduleWake(instanceID, "retry", res.retryDelay, e.opts.BackpressureTimeout)
		}

		e.opts.Metrics.stepFinished(inst.GraphID, string(res.trace.Type), time.Since(begin))
		return e.view(inst), res.changed, nil
	}

	e.opts.Metrics.stepFinished("", "conflict", time.Since(begin))
	return StatusView{}, false, cpg.WrapError(cpg.KindInvalidState,
		"step kept conflicting on instance "+instanceID, lastErr)
}

// workerStep is the queue drain function: step the instance and requeue it
// while it keeps making progress. Wait decisions stop the loop; the
// dispatcher or a retry wake resumes it.
func (e *Engine) workerStep(item WorkItem) {
	view, changed, err := e.step(context.Background(), item.InstanceID)
	e.opts.Metrics.setQueueDepth(e.sched.Depth())
	if err != nil || !changed {
		return
	}
	if view.Status == cpg.StatusRunning && len(view.ActiveNodeIDs) > 0 {
		_ = e.sched.Enqueue(context.Background(), WorkItem{InstanceID: item.InstanceID, Reason: "continue"}, e.opts.BackpressureTimeout)
	}
}

// Signal delivers an external event to every running instance it correlates
// with and returns their IDs, sorted. Suspended and terminal instances never
// receive events.
func (e *Engine) Signal(ctx context.Context, event cpg.ProcessEvent) ([]string, error) {
	if event.EventType == "" {
		return nil, cpg.NewError(cpg.KindInvalidContext, "event type cannot be empty")
	}
	if event.EventID == "" {
		event = cpg.NewEvent(event.EventType, event.Source, event.CorrelationID, event.Payload)
	}

	all, err := e.instances.ListInstances(ctx)
	if err != nil {
		return nil, cpg.WrapError(cpg.KindUnknown, "list instances", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var delivered []string
	for _, snapshot := range all {
		if snapshot.Status != cpg.StatusRunning {
			continue
		}
		ok, err := e.deliver(ctx, event, snapshot.ID)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered = append(delivered, snapshot.ID)
		}
	}
	if len(delivered) > 0 {
		e.opts.Metrics.recordEventDispatched(event.EventType)
	}
	return delivered, nil
}

// deliver correlates and dispatches one event to one instance under its
// lock. Returns false without error when the event does not match.
func (e *Engine) deliver(ctx context.Context, event cpg.ProcessEvent, instanceID string) (bool, error) {
	e.sched.Lock(instanceID)
	defer e.sched.Unlock(instanceID)

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxStepRetries; attempt++ {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if inst.Status != cpg.StatusRunning {
			return false, nil
		}
		g, err := e.loadGraph(ctx, inst.GraphID, inst.GraphVersion)
		if err != nil {
			return false, err
		}

		method, nodes, matched := e.correlate(ctx, g, inst, event)
		if !matched {
			return false, nil
		}

		trace, events := e.dispatch(ctx, g, inst, event, method, nodes)
		if err := e.instances.SaveInstance(ctx, inst, inst.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return false, cpg.WrapError(cpg.KindUnknown, "save instance", err)
		}
		if err := e.traces.AppendTrace(ctx, trace); err != nil {
			return true, cpg.WrapError(cpg.KindUnknown, "append trace", err)
		}
		for _, ev := range events {
			e.opts.Publisher.PublishAsync(ev)
		}
		if e.opts.Workers > 0 {
			_ = e.sched.Enqueue(ctx, WorkItem{InstanceID: instanceID, Reason: "event:" + event.EventType}, e.opts.BackpressureTimeout)
		}
		return true, nil
	}
	return false, cpg.WrapError(cpg.KindInvalidState, "event delivery kept conflicting on instance "+instanceID, lastErr)
}

// Suspend pauses a running instance. Suspending an already suspended
// instance is a no-op; terminal instances refuse.
func (e *Engine) Suspend(ctx context.Context, instanceID string) (StatusView, error) {
	return e.mutate(ctx, instanceID, func(inst *cpg.ProcessInstance) (*cpg.DecisionTrace, []cpg.ProcessEvent, bool, error) {
		if inst.Status.Terminal() {
			return nil, nil, false, cpg.Errorf(cpg.KindAlreadyTerminal, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status == cpg.StatusSuspended {
			return nil, nil, false, nil
		}
		inst.Status = cpg.StatusSuspended

		trace := cpg.NewTrace(inst.ID, cpg.TraceNavigation)
		trace.Context = cpg.SummarizeContext(&inst.Context, e.opts.SystemState)
		trace.Outcome = cpg.OutcomeSnapshot{Status: "suspended"}
		return trace, []cpg.ProcessEvent{e.lifecycleEvent(inst, cpg.EventProcessSuspended, nil)}, true, nil
	})
}

// Resume returns a suspended instance to running and, with workers enabled,
// queues it. Resuming anything but a suspended instance is an error.
func (e *Engine) Resume(ctx context.Context, instanceID string) (StatusView, error) {
	view, err := e.mutate(ctx, instanceID, func(inst *cpg.ProcessInstance) (*cpg.DecisionTrace, []cpg.ProcessEvent, bool, error) {
		if inst.Status.Terminal() {
			return nil, nil, false, cpg.Errorf(cpg.KindAlreadyTerminal, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status != cpg.StatusSuspended {
			return nil, nil, false, cpg.Errorf(cpg.KindInvalidState, "instance %s is %s, not suspended", inst.ID, inst.Status)
		}
		inst.Status = cpg.StatusRunning

		trace := cpg.NewTrace(inst.ID, cpg.TraceNavigation)
		trace.Context = cpg.SummarizeContext(&inst.Context, e.opts.SystemState)
		trace.Outcome = cpg.OutcomeSnapshot{Status: "resumed"}
		return trace, []cpg.ProcessEvent{e.lifecycleEvent(inst, cpg.EventProcessResumed, nil)}, true, nil
	})
	if err != nil {
		return view, err
	}
	if e.opts.Workers > 0 {
		if err := e.sched.Enqueue(ctx, WorkItem{InstanceID: instanceID, Reason: "resume"}, e.opts.BackpressureTimeout); err != nil {
			e.opts.Metrics.recordBackpressure("resume")
			return view, err
		}
	}
	return view, nil
}

// Cancel terminates the instance, aborting queued work and cancelling the
// contexts of any in-flight action handlers. Terminal instances refuse.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (StatusView, error) {
	e.sched.CancelInstance(instanceID)
	e.cancelInflight(instanceID)

	return e.mutate(ctx, instanceID, func(inst *cpg.ProcessInstance) (*cpg.DecisionTrace, []cpg.ProcessEvent, bool, error) {
		if inst.Status.Terminal() {
			return nil, nil, false, cpg.Errorf(cpg.KindAlreadyTerminal, "instance %s is %s", inst.ID, inst.Status)
		}
		now := time.Now().UTC()
		inst.Status = cpg.StatusCancelled
		inst.CompletedAt = &now

		trace := cpg.NewTrace(inst.ID, cpg.TraceTerminal)
		trace.Context = cpg.SummarizeContext(&inst.Context, e.opts.SystemState)
		trace.Outcome = cpg.OutcomeSnapshot{Status: "cancelled"}
		return trace, []cpg.ProcessEvent{e.lifecycleEvent(inst, cpg.EventProcessCancelled, nil)}, true, nil
	})
}

// GetStatus returns the current view of the instance.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (StatusView, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return StatusView{}, err
	}
	return e.view(inst), nil
}

// GetHistory returns the execution records and decision traces of the
// instance, both in append order.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) (History, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return History{}, err
	}
	traces, err := e.traces.ListTraces(ctx, instanceID)
	if err != nil {
		return History{}, cpg.WrapError(cpg.KindUnknown, "list traces", err)
	}
	return History{Executions: inst.NodeExecutions, Traces: traces}, nil
}

// GetAvailableEvents returns the sorted event types that could move the
// instance forward: subscriptions of nodes not yet completed, unmet event
// guards of pending edges, and dispatcher triggers of pending edges.
// Terminal instances have none.
func (e *Engine) GetAvailableEvents(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, nil
	}
	g, err := e.loadGraph(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return nil, err
	}

	types := map[string]bool{}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if len(n.Events.Subscribes) == 0 || inst.HasCompleted(n.ID) {
			continue
		}
		for _, sub := range n.Events.Subscribes {
			types[sub.EventType] = true
		}
	}
	for edgeID := range inst.PendingEdgeIDs {
		edge, ok := g.EdgeByID(edgeID)
		if !ok {
			continue
		}
		for _, cond := range edge.Guards.Events {
			if cond.MustHaveOccurred && !inst.Context.HasEventOccurred(cond.EventType) {
				types[cond.EventType] = true
			}
		}
		for _, t := range edge.Triggers.Activating {
			types[t] = true
		}
		for _, t := range edge.Triggers.Reevaluation {
			types[t] = true
		}
	}

	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// mutate applies a status transition under the instance lock with the usual
// optimistic-save retry. The apply function reports whether anything
// changed; no-ops skip the save.
func (e *Engine) mutate(ctx context.Context, instanceID string, apply func(*cpg.ProcessInstance) (*cpg.DecisionTrace, []cpg.ProcessEvent, bool, error)) (StatusView, error) {
	e.sched.Lock(instanceID)
	defer e.sched.Unlock(instanceID)

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxStepRetries; attempt++ {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return StatusView{}, err
		}
		trace, events, changed, err := apply(inst)
		if err != nil {
			return e.view(inst), err
		}
		if !changed {
			return e.view(inst), nil
		}
		if err := e.instances.SaveInstance(ctx, inst, inst.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return StatusView{}, cpg.WrapError(cpg.KindUnknown, "save instance", err)
		}
		if trace != nil {
			if err := e.traces.AppendTrace(ctx, trace); err != nil {
				return e.view(inst), cpg.WrapError(cpg.KindUnknown, "append trace", err)
			}
		}
		for _, ev := range events {
			e.opts.Publisher.PublishAsync(ev)
		}
		return e.view(inst), nil
	}
	return StatusView{}, cpg.WrapError(cpg.KindInvalidState, "transition kept conflicting on instance "+instanceID, lastErr)
}

func (e *Engine) loadGraph(ctx context.Context, graphID, version string) (*cpg.ProcessGraph, error) {
	g, err := e.graphs.GetGraph(ctx, graphID, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, cpg.Errorf(cpg.KindGraphNotFound, "graph %s@%s not found", graphID, version)
	}
	if err != nil {
		return nil, cpg.WrapError(cpg.KindUnknown, "load graph", err)
	}
	return g, nil
}

func (e *Engine) loadInstance(ctx context.Context, instanceID string) (*cpg.ProcessInstance, error) {
	inst, err := e.instances.LoadInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, cpg.Errorf(cpg.KindInstanceNotFound, "instance %s not found", instanceID)
	}
	if err != nil {
		return nil, cpg.WrapError(cpg.KindUnknown, "load instance", err)
	}
	return inst, nil
}

func (e *Engine) view(inst *cpg.ProcessInstance) StatusView {
	return StatusView{
		InstanceID:     inst.ID,
		GraphID:        inst.GraphID,
		GraphVersion:   inst.GraphVersion,
		Status:         inst.Status,
		ActiveNodeIDs:  inst.ActiveNodeIDs(),
		PendingEdgeIDs: inst.PendingEdges(),
		StartedAt:      inst.StartedAt,
		CompletedAt:    inst.CompletedAt,
		Version:        inst.Version,
	}
}

// scopeFor builds the evaluation scope from the instance context plus the
// operational and instance namespaces.
func (e *Engine) scopeFor(inst *cpg.ProcessInstance) map[string]any {
	return inst.Context.Scope(map[string]any{
		"operational": map[string]any{"systemState": e.opts.SystemState},
		"instance": map[string]any{
			"id":            inst.ID,
			"graphId":       inst.GraphID,
			"correlationId": inst.CorrelationID,
			"status":        string(inst.Status),
		},
	})
}

// validateContextMaps rejects start contexts that cannot round-trip through
// JSON, which is what every store and the idempotency hash rely on.
func validateContextMaps(client, domain map[string]any) error {
	if _, err := json.Marshal(client); err != nil {
		return cpg.WrapError(cpg.KindInvalidContext, "client context is not serializable", err)
	}
	if _, err := json.Marshal(domain); err != nil {
		return cpg.WrapError(cpg.KindInvalidContext, "domain context is not serializable", err)
	}
	return nil
}

func correlationOf(inst *cpg.ProcessInstance) string {
	if inst.CorrelationID != "" {
		return inst.CorrelationID
	}
	return inst.ID
}

// lifecycleEvent builds an engine-sourced process lifecycle event.
func (e *Engine) lifecycleEvent(inst *cpg.ProcessInstance, eventType string, payload map[string]any) cpg.ProcessEvent {
	merged := map[string]any{"instanceId": inst.ID, "graphId": inst.GraphID}
	for k, v := range payload {
		merged[k] = v
	}
	return cpg.NewEvent(eventType, cpg.EventSource{Kind: cpg.SourceSystem, ID: "engine"}, correlationOf(inst), merged)
}

// nodeEvent builds a node-sourced lifecycle event.
func (e *Engine) nodeEvent(inst *cpg.ProcessInstance, nodeID, eventType string, payload map[string]any) cpg.ProcessEvent {
	merged := map[string]any{"instanceId": inst.ID, "nodeId": nodeID}
	for k, v := range payload {
		merged[k] = v
	}
	return cpg.NewEvent(eventType, cpg.EventSource{Kind: cpg.SourceNode, ID: nodeID}, correlationOf(inst), merged)
}

// edgeEvent builds the edge.traversed event.
func (e *Engine) edgeEvent(inst *cpg.ProcessInstance, edge *cpg.Edge) cpg.ProcessEvent {
	payload := map[string]any{
		"instanceId": inst.ID,
		"edgeId":     edge.ID,
		"source":     edge.Source,
		"target":     edge.Target,
	}
	return cpg.NewEvent(cpg.EventEdgeTraversed, cpg.EventSource{Kind: cpg.SourceNode, ID: edge.Source}, correlationOf(inst), payload)
}

// configuredEmissions evaluates a node's declared emissions for one
// lifecycle point. Payload expression failures drop the payload, never the
// event.
func (e *Engine) configuredEmissions(inst *cpg.ProcessInstance, node *cpg.Node, timing cpg.EmitTiming) []cpg.ProcessEvent {
	emits := node.EmitsAt(timing)
	if len(emits) == 0 {
		return nil
	}
	scope := e.scopeFor(inst)
	out := make([]cpg.ProcessEvent, 0, len(emits))
	for _, em := range emits {
		payload := map[string]any{"instanceId": inst.ID, "nodeId": node.ID}
		if em.PayloadExpr != "" {
			if v, err := e.exprs.Evaluate(context.Background(), em.PayloadExpr, scope); err == nil {
				if m, ok := v.(map[string]any); ok {
					for k, val := range m {
						payload[k] = val
					}
				} else {
					payload["value"] = v
				}
			}
		}
		out = append(out, cpg.NewEvent(em.EventType, cpg.EventSource{Kind: cpg.SourceNode, ID: node.ID}, correlationOf(inst), payload))
	}
	return out
}

// trackInflight registers a cancellation hook for a running action handler.
// The returned release removes it again.
func (e *Engine) trackInflight(instanceID string, cancel context.CancelFunc) func() {
	token := &inflightToken{cancel: cancel}
	e.inflightMu.Lock()
	e.inflight[instanceID] = append(e.inflight[instanceID], token)
	e.inflightMu.Unlock()

	return func() {
		e.inflightMu.Lock()
		defer e.inflightMu.Unlock()
		list := e.inflight[instanceID]
		for i, t := range list {
			if t == token {
				e.inflight[instanceID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(e.inflight[instanceID]) == 0 {
			delete(e.inflight, instanceID)
		}
	}
}

// cancelInflight aborts the contexts of the instance's running handlers.
func (e *Engine) cancelInflight(instanceID string) {
	e.inflightMu.Lock()
	tokens := append([]*inflightToken(nil), e.inflight[instanceID]...)
	e.inflightMu.Unlock()
	for _, t := range tokens {
		t.cancel()
	}
}
