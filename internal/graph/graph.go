package graph

import (
	"github.com/opsrig/flowkit/pkg/schema"
)

// Graph is the in-memory node/edge structure of a flow. It is immutable
// after Build and exposes only pure queries; the engine owns all mutable
// run state.
type Graph struct {
	nodes    map[string]*schema.Node
	order    []string                 // node IDs in declaration order
	outgoing map[string][]schema.Edge // source node ID -> edges in declaration order
	incoming map[string]int           // target node ID -> in-degree
}

// Successor is one outgoing hop: the target node plus the edge's branch label
// ("" for unconditional edges).
type Successor struct {
	Node   *schema.Node
	Branch string
}

// Build validates the definition and constructs a Graph.
// Rejected before a run can start: empty or duplicate node IDs, and edges
// referencing nodes absent from the definition.
func Build(def *schema.FlowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no nodes")
	}

	g := &Graph{
		nodes:    make(map[string]*schema.Node, len(def.Nodes)),
		order:    make([]string, 0, len(def.Nodes)),
		outgoing: make(map[string][]schema.Edge, len(def.Nodes)),
		incoming: make(map[string]int, len(def.Nodes)),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	for _, e := range def.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has unknown source node: %s", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has unknown target node: %s", e.ID, e.Target)
		}
		if e.Branch != "" && e.Branch != schema.BranchTrue && e.Branch != schema.BranchFalse {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has unknown branch label: %s", e.ID, e.Branch)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target]++
	}

	return g, nil
}

// Node returns the node with the given ID, or nil if absent.
func (g *Graph) Node(id string) *schema.Node {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// NodeIDs returns all node IDs in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	return ids
}

// TriggerNodes returns every node whose ID never appears as an edge target,
// in declaration order. Declaration order carries no semantic priority among
// independent triggers.
func (g *Graph) TriggerNodes() []*schema.Node {
	var triggers []*schema.Node
	for _, id := range g.order {
		if g.incoming[id] == 0 {
			triggers = append(triggers, g.nodes[id])
		}
	}
	return triggers
}

// Successors returns, for each outgoing edge of the given node, the target
// node together with the edge's branch label, in edge declaration order.
func (g *Graph) Successors(nodeID string) []Successor {
	edges := g.outgoing[nodeID]
	if len(edges) == 0 {
		return nil
	}
	succs := make([]Successor, 0, len(edges))
	for _, e := range edges {
		succs = append(succs, Successor{Node: g.nodes[e.Target], Branch: e.Branch})
	}
	return succs
}
