package cpg

import "fmt"

// GraphStatus is the publication state of a graph template.
type GraphStatus string

const (
	GraphDraft      GraphStatus = "draft"
	GraphPublished  GraphStatus = "published"
	GraphDeprecated GraphStatus = "deprecated"
	GraphArchived   GraphStatus = "archived"
)

// ProcessGraph is an immutable workflow template identified by (ID, Version).
//
// Node and edge order is the template's declaration order; deterministic
// selection never depends on it and always falls back to lexicographic IDs.
// Instances reference the graph by (ID, Version) so a published template
// never changes under a running instance.
type ProcessGraph struct {
	ID              string            `json:"id"`
	Version         string            `json:"version"`
	Status          GraphStatus       `json:"status"`
	Nodes           []Node            `json:"nodes"`
	Edges           []Edge            `json:"edges"`
	EntryNodeIDs    []string          `json:"entryNodeIds"`
	TerminalNodeIDs []string          `json:"terminalNodeIds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NodeByID returns the node with the given ID.
func (g *ProcessGraph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// EdgeByID returns the edge with the given ID.
func (g *ProcessGraph) EdgeByID(id string) (*Edge, bool) {
	for i := range g.Edges {
		if g.Edges[i].ID == id {
			return &g.Edges[i], true
		}
	}
	return nil, false
}

// OutboundEdges returns the edges originating at nodeID, in template order.
func (g *ProcessGraph) OutboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// InboundEdges returns the edges targeting nodeID, in template order.
func (g *ProcessGraph) InboundEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// IsEntry reports whether nodeID is an entry node.
func (g *ProcessGraph) IsEntry(nodeID string) bool {
	for _, id := range g.EntryNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// IsTerminal reports whether nodeID is a terminal node.
func (g *ProcessGraph) IsTerminal(nodeID string) bool {
	for _, id := range g.TerminalNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// SubscribedNodes returns the nodes whose event configuration subscribes to
// the given event type.
func (g *ProcessGraph) SubscribedNodes(eventType string) []*Node {
	var out []*Node
	for i := range g.Nodes {
		if _, ok := g.Nodes[i].SubscribesTo(eventType); ok {
			out = append(out, &g.Nodes[i])
		}
	}
	return out
}

// Validate checks the structural invariants of the template:
//
//   - node and edge IDs are unique and non-empty
//   - at least one entry node, every entry and terminal exists
//   - entry and terminal sets are disjoint
//   - every edge references existing nodes
//   - no edge originates at a terminal node
//   - from every entry at least one terminal is reachable
//   - weights, ranks, and retry counts are non-negative
func (g *ProcessGraph) Validate() error {
	if g.ID == "" {
		return NewError(KindInvalidState, "graph ID cannot be empty")
	}
	if len(g.EntryNodeIDs) == 0 {
		return Errorf(KindInvalidState, "graph %s has no entry nodes", g.ID)
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return Errorf(KindInvalidState, "graph %s contains a node with empty ID", g.ID)
		}
		if nodeIDs[n.ID] {
			return Errorf(KindInvalidState, "duplicate node ID: %s", n.ID)
		}
		nodeIDs[n.ID] = true
		if n.Action.Config.RetryCount < 0 {
			return Errorf(KindInvalidState, "node %s has negative retry count", n.ID)
		}
	}

	terminals := make(map[string]bool, len(g.TerminalNodeIDs))
	for _, id := range g.TerminalNodeIDs {
		if !nodeIDs[id] {
			return Errorf(KindNodeNotFound, "terminal node %s does not exist", id)
		}
		terminals[id] = true
	}
	for _, id := range g.EntryNodeIDs {
		if !nodeIDs[id] {
			return Errorf(KindNodeNotFound, "entry node %s does not exist", id)
		}
		if terminals[id] {
			return Errorf(KindInvalidState, "node %s is both entry and terminal", id)
		}
	}

	edgeIDs := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			return Errorf(KindInvalidState, "graph %s contains an edge with empty ID", g.ID)
		}
		if edgeIDs[e.ID] {
			return Errorf(KindInvalidState, "duplicate edge ID: %s", e.ID)
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.Source] {
			return Errorf(KindNodeNotFound, "edge %s references missing source %s", e.ID, e.Source)
		}
		if !nodeIDs[e.Target] {
			return Errorf(KindNodeNotFound, "edge %s references missing target %s", e.ID, e.Target)
		}
		if terminals[e.Source] {
			return Errorf(KindInvalidState, "edge %s originates at terminal node %s", e.ID, e.Source)
		}
		if e.Priority.Weight < 0 || e.Priority.Rank < 0 {
			return Errorf(KindInvalidState, "edge %s has negative priority", e.ID)
		}
		if e.Compensation != nil && e.Compensation.MaxRetries < 0 {
			return Errorf(KindInvalidState, "edge %s has negative maxRetries", e.ID)
		}
	}

	for _, entry := range g.EntryNodeIDs {
		if !g.reachesTerminal(entry, terminals) {
			return Errorf(KindInvalidState, "no terminal reachable from entry %s", entry)
		}
	}
	return nil
}

// reachesTerminal walks forward edges from start looking for any terminal.
func (g *ProcessGraph) reachesTerminal(start string, terminals map[string]bool) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if terminals[cur] {
			return true
		}
		for _, e := range g.Edges {
			if e.Source != cur || visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			queue = append(queue, e.Target)
		}
	}
	return false
}

// Key returns the store key for the template, "graphId@version".
func (g *ProcessGraph) Key() string {
	return fmt.Sprintf("%s@%s", g.ID, g.Version)
}
