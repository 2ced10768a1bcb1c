package engine

import (
	"sort"

	"github.com/cpgflow/cpgflow/cpg"
)

// Candidate is one node in the eligible space: the node, its availability
// verdict, and the activation metadata that drives selection.
type Candidate struct {
	Node       *cpg.Node
	Evaluation NodeEvaluation
	Priority   int
	Reason     string

	// Parallel marks candidates activated through a parallel edge; a tied
	// parallel group is selected and executed together.
	Parallel bool
}

// DecisionKind is what the selector decided for this step.
type DecisionKind string

const (
	DecideExecute DecisionKind = "execute"
	DecideWait    DecisionKind = "wait"
)

// Selection is the selector's verdict: the nodes to execute (in node-ID
// order), the criterion applied, and the available alternatives passed
// over.
type Selection struct {
	Decision     DecisionKind
	Selected     []Candidate
	Criterion    string
	Alternatives []string
}

// Select picks from the eligible space deterministically: available
// candidates only, highest priority first, smallest node ID breaking ties.
// When the winner was activated by parallel traversal, the whole available
// tied group at that priority executes together.
func Select(candidates []Candidate) Selection {
	var available []Candidate
	for _, c := range candidates {
		if c.Evaluation.Available {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return Selection{Decision: DecideWait, Criterion: "no-available-candidate"}
	}

	sort.Slice(available, func(i, j int) bool {
		if available[i].Priority != available[j].Priority {
			return available[i].Priority > available[j].Priority
		}
		return available[i].Node.ID < available[j].Node.ID
	})

	winner := available[0]
	selected := []Candidate{winner}
	criterion := "priority"
	if winner.Parallel {
		for _, c := range available[1:] {
			if c.Priority == winner.Priority && c.Parallel {
				selected = append(selected, c)
			}
		}
		if len(selected) > 1 {
			criterion = "parallel-group"
		}
	}

	selectedIDs := make(map[string]bool, len(selected))
	for _, c := range selected {
		selectedIDs[c.Node.ID] = true
	}
	var alternatives []string
	for _, c := range available {
		if !selectedIDs[c.Node.ID] {
			alternatives = append(alternatives, c.Node.ID)
		}
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Node.ID < selected[j].Node.ID })
	return Selection{
		Decision:     DecideExecute,
		Selected:     selected,
		Criterion:    criterion,
		Alternatives: alternatives,
	}
}
