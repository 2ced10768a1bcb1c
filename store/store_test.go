package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
	"github.com/cpgflow/cpgflow/store"
)

func publishedGraph(id, version string) *cpg.ProcessGraph {
	return &cpg.ProcessGraph{
		ID:      id,
		Version: version,
		Status:  cpg.GraphPublished,
		Nodes: []cpg.Node{
			{ID: "start", Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, HandlerRef: "start"}},
			{ID: "end", Action: cpg.ActionSpec{Type: cpg.ActionSystemInvocation, HandlerRef: "end"}},
		},
		Edges: []cpg.Edge{
			{ID: "e1", Source: "start", Target: "end", Semantics: cpg.ExecutionSemantics{Type: cpg.SemanticsSequential}},
		},
		EntryNodeIDs:    []string{"start"},
		TerminalNodeIDs: []string{"end"},
	}
}

func TestGraphStoreVersionSelection(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()

	for _, v := range []string{"1.0.0", "1.1.0"} {
		if err := m.PutGraph(ctx, publishedGraph("orders", v)); err != nil {
			t.Fatalf("put %s: %v", v, err)
		}
	}
	draft := publishedGraph("orders", "2.0.0")
	draft.Status = cpg.GraphDraft
	if err := m.PutGraph(ctx, draft); err != nil {
		t.Fatalf("put draft: %v", err)
	}

	t.Run("exact version", func(t *testing.T) {
		g, err := m.GetGraph(ctx, "orders", "1.0.0")
		if err != nil || g.Version != "1.0.0" {
			t.Fatalf("g=%v err=%v", g, err)
		}
	})

	t.Run("empty version selects latest published", func(t *testing.T) {
		g, err := m.GetGraph(ctx, "orders", "")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if g.Version != "1.1.0" {
			t.Fatalf("latest = %s, want 1.1.0 (drafts excluded)", g.Version)
		}
	})

	t.Run("missing graph", func(t *testing.T) {
		if _, err := m.GetGraph(ctx, "orders", "9.9.9"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if _, err := m.GetGraph(ctx, "unknown", ""); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestInstanceOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	g := publishedGraph("orders", "1.0.0")

	inst := cpg.NewInstance(g, cpg.NewExecutionContext(nil, nil), "order-7")
	if err := m.SaveInstance(ctx, inst, 0); err != nil {
		t.Fatalf("initial save: %v", err)
	}
	if inst.Version != 1 {
		t.Fatalf("version after save = %d, want 1", inst.Version)
	}

	t.Run("stale writer loses", func(t *testing.T) {
		a, err := m.LoadInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		b, err := m.LoadInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		a.Context.MergeState(map[string]any{"from": "a"})
		if err := m.SaveInstance(ctx, a, a.Version); err != nil {
			t.Fatalf("first writer: %v", err)
		}

		b.Context.MergeState(map[string]any{"from": "b"})
		if err := m.SaveInstance(ctx, b, b.Version); !errors.Is(err, store.ErrVersionConflict) {
			t.Fatalf("second writer err = %v, want ErrVersionConflict", err)
		}

		current, err := m.LoadInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if current.Context.State["from"] != "a" {
			t.Fatalf("state = %v, stale write leaked", current.Context.State)
		}
	})

	t.Run("new instance must save with version zero", func(t *testing.T) {
		fresh := cpg.NewInstance(g, cpg.NewExecutionContext(nil, nil), "")
		if err := m.SaveInstance(ctx, fresh, 3); !errors.Is(err, store.ErrVersionConflict) {
			t.Fatalf("err = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("missing instance", func(t *testing.T) {
		if _, err := m.LoadInstance(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestInstanceIsolation(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	g := publishedGraph("orders", "1.0.0")

	inst := cpg.NewInstance(g, cpg.NewExecutionContext(nil, map[string]any{"region": "eu"}), "")
	inst.Context.MergeState(map[string]any{"total": 100})
	if err := m.SaveInstance(ctx, inst, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := m.LoadInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded.Context.State["total"] = 999
	loaded.ActiveNodes["injected"] = cpg.NodeActivation{Reason: "entry"}

	again, err := m.LoadInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Context.State["total"] != float64(100) {
		t.Fatalf("state mutated through a loaded copy: %v", again.Context.State["total"])
	}
	if _, ok := again.ActiveNodes["injected"]; ok {
		t.Fatal("activation mutated through a loaded copy")
	}
}

func TestListInstancesSorted(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	g := publishedGraph("orders", "1.0.0")

	for _, id := range []string{"c", "a", "b"} {
		inst := cpg.NewInstance(g, cpg.NewExecutionContext(nil, nil), "")
		inst.ID = id
		if err := m.SaveInstance(ctx, inst, 0); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	list, err := m.ListInstances(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("order = %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}
}

func TestTraceQueries(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	put := func(instanceID string, traceType cpg.TraceType, at time.Time) *cpg.DecisionTrace {
		tr := cpg.NewTrace(instanceID, traceType)
		tr.Timestamp = at
		if err := m.AppendTrace(ctx, tr); err != nil {
			t.Fatalf("append: %v", err)
		}
		return tr
	}

	first := put("inst-1", cpg.TraceNavigation, base)
	put("inst-1", cpg.TraceExecution, base.Add(time.Minute))
	put("inst-1", cpg.TraceExecution, base.Add(2*time.Minute))
	last := put("inst-1", cpg.TraceTerminal, base.Add(3*time.Minute))
	put("inst-2", cpg.TraceNavigation, base.Add(time.Minute))

	t.Run("list is ordered and scoped to the instance", func(t *testing.T) {
		all, err := m.ListTraces(ctx, "inst-1")
		if err != nil || len(all) != 4 {
			t.Fatalf("len=%d err=%v", len(all), err)
		}
		if all[0].TraceID != first.TraceID || all[3].TraceID != last.TraceID {
			t.Fatal("traces out of timestamp order")
		}
	})

	t.Run("by type", func(t *testing.T) {
		execs, err := m.ListTracesByType(ctx, "inst-1", cpg.TraceExecution)
		if err != nil || len(execs) != 2 {
			t.Fatalf("len=%d err=%v", len(execs), err)
		}
	})

	t.Run("range is inclusive-exclusive", func(t *testing.T) {
		in, err := m.ListTracesInRange(ctx, "inst-1", base.Add(time.Minute), base.Add(3*time.Minute))
		if err != nil || len(in) != 2 {
			t.Fatalf("len=%d err=%v", len(in), err)
		}
	})

	t.Run("latest", func(t *testing.T) {
		tr, err := m.LatestTrace(ctx, "inst-1")
		if err != nil || tr.TraceID != last.TraceID {
			t.Fatalf("tr=%v err=%v", tr, err)
		}
		if _, err := m.LatestTrace(ctx, "empty"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("get by ID", func(t *testing.T) {
		tr, err := m.GetTrace(ctx, first.TraceID)
		if err != nil || tr.Type != cpg.TraceNavigation {
			t.Fatalf("tr=%v err=%v", tr, err)
		}
		if _, err := m.GetTrace(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("retention delete", func(t *testing.T) {
		n, err := m.DeleteTracesBefore(ctx, base.Add(2*time.Minute))
		if err != nil || n != 3 {
			t.Fatalf("deleted=%d err=%v, want 3", n, err)
		}
		if _, err := m.GetTrace(ctx, first.TraceID); !errors.Is(err, store.ErrNotFound) {
			t.Fatal("deleted trace still reachable by ID")
		}
		remaining, _ := m.ListTraces(ctx, "inst-1")
		if len(remaining) != 2 {
			t.Fatalf("remaining = %d, want 2", len(remaining))
		}
	})
}
