package engine

import (
	"sort"

	"github.com/chainreact/flowd/pkg/schema"
)

// DAG is the executable view of a flow graph: node lookup, adjacency in both
// directions, and a topological order computed once per execution.
type DAG struct {
	nodes    map[string]*schema.Node
	incoming map[string][]*schema.Edge
	outgoing map[string][]*schema.Edge
	order    []string
}

// BuildDAG indexes the flow's nodes and edges and computes a topological
// order via Kahn's algorithm. Validation already rejects cyclic flows, so a
// cycle here means the definition was tampered with after validation.
func BuildDAG(flow *schema.Flow) (*DAG, error) {
	d := &DAG{
		nodes:    make(map[string]*schema.Node, len(flow.Nodes)),
		incoming: make(map[string][]*schema.Edge),
		outgoing: make(map[string][]*schema.Edge),
	}

	for i := range flow.Nodes {
		node := &flow.Nodes[i]
		if _, exists := d.nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		d.nodes[node.ID] = node
	}

	inDegree := make(map[string]int, len(d.nodes))
	for id := range d.nodes {
		inDegree[id] = 0
	}

	for i := range flow.Edges {
		edge := &flow.Edges[i]
		if _, ok := d.nodes[edge.From.NodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node: %s", edge.From.NodeID)
		}
		if _, ok := d.nodes[edge.To.NodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node: %s", edge.To.NodeID)
		}
		d.outgoing[edge.From.NodeID] = append(d.outgoing[edge.From.NodeID], edge)
		d.incoming[edge.To.NodeID] = append(d.incoming[edge.To.NodeID], edge)
		inDegree[edge.To.NodeID]++
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(d.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var unlocked []string
		for _, edge := range d.outgoing[id] {
			inDegree[edge.To.NodeID]--
			if inDegree[edge.To.NodeID] == 0 {
				unlocked = append(unlocked, edge.To.NodeID)
			}
		}
		sort.Strings(unlocked)
		queue = append(queue, unlocked...)
	}

	if len(order) != len(d.nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "flow graph contains a cycle").
			WithDetails(map[string]any{"nodes": stuck})
	}

	d.order = order
	return d, nil
}

// Node returns the node with the given ID.
func (d *DAG) Node(id string) (*schema.Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Order returns the node IDs in topological order.
func (d *DAG) Order() []string {
	return d.order
}

// Incoming returns the edges terminating at the given node.
func (d *DAG) Incoming(id string) []*schema.Edge {
	return d.incoming[id]
}

// Outgoing returns the edges originating at the given node.
func (d *DAG) Outgoing(id string) []*schema.Edge {
	return d.outgoing[id]
}

// Predecessors returns the sorted, deduplicated direct predecessor IDs of a
// node.
func (d *DAG) Predecessors(id string) []string {
	seen := make(map[string]bool)
	var preds []string
	for _, edge := range d.incoming[id] {
		if !seen[edge.From.NodeID] {
			seen[edge.From.NodeID] = true
			preds = append(preds, edge.From.NodeID)
		}
	}
	sort.Strings(preds)
	return preds
}

// Leaves returns the sorted IDs of nodes with no outgoing edges.
func (d *DAG) Leaves() []string {
	var leaves []string
	for id := range d.nodes {
		if len(d.outgoing[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// Descendants returns the set of nodes reachable from the given node,
// including the node itself.
func (d *DAG) Descendants(id string) map[string]bool {
	reached := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edge := range d.outgoing[current] {
			if !reached[edge.To.NodeID] {
				reached[edge.To.NodeID] = true
				queue = append(queue, edge.To.NodeID)
			}
		}
	}
	return reached
}
