package validation

import (
	"fmt"
	"sort"

	"github.com/chainreact/flowd/pkg/schema"
)

// validateDAG performs graph analysis on the flow:
// cycle detection (Kahn's algorithm) and reachability from the trigger node.
func validateDAG(flow *schema.Flow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(flow.Nodes))
	for i := range flow.Nodes {
		nodeIDs[flow.Nodes[i].ID] = true
	}

	// successors[id] = nodes directly downstream of id.
	successors := make(map[string][]string, len(flow.Nodes))
	inDegree := make(map[string]int, len(flow.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}

	for i := range flow.Edges {
		e := &flow.Edges[i]
		if !nodeIDs[e.From.NodeID] || !nodeIDs[e.To.NodeID] {
			continue // invalid refs already caught by semantic
		}
		successors[e.From.NodeID] = append(successors[e.From.NodeID], e.To.NodeID)
		inDegree[e.To.NodeID]++
	}

	// Kahn's algorithm for cycle detection.
	queue := make([]string, 0, len(flow.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("edges", schema.ErrCodeCycleDetected, "flow contains a cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from the trigger node through successor edges.
	if !nodeIDs[flow.Trigger.NodeID] {
		return result
	}

	reachable := map[string]bool{flow.Trigger.NodeID: true}
	bfs := []string{flow.Trigger.NodeID}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range successors[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}

	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the trigger node", n.ID))
		}
	}

	return result
}
