package expressions

import "encoding/json"

// Scope holds all data available to expression evaluation and config
// interpolation for one node invocation.
//
// Nodes carries the outputs of every completed node keyed by node ID;
// Upstream carries only the direct predecessors of the node being resolved.
// Both views are read-only snapshots: outputs are frozen when added and a
// node can never observe a mutation of an earlier node's output.
type Scope struct {
	Inputs   map[string]any // run inputs (trigger payload or manual start inputs)
	Globals  map[string]any // run-level globals supplied at start
	Nodes    map[string]any // node ID -> output of every completed node
	Upstream map[string]any // node ID -> output of direct predecessors only
}

// ToMap flattens the scope into the four top-level namespaces the engines
// expose as variables.
func (s *Scope) ToMap() map[string]any {
	m := make(map[string]any, 4)
	m["inputs"] = orEmpty(s.Inputs)
	m["globals"] = orEmpty(s.Globals)
	m["nodes"] = orEmpty(s.Nodes)
	m["upstream"] = orEmpty(s.Upstream)
	return m
}

// AddNodeOutput freezes a completed node's output into the scope.
// The raw JSON is re-parsed so later mutations of the caller's value
// cannot leak in.
func (s *Scope) AddNodeOutput(nodeID string, output json.RawMessage) {
	if s.Nodes == nil {
		s.Nodes = make(map[string]any)
	}
	if len(output) == 0 {
		s.Nodes[nodeID] = nil
		return
	}
	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		s.Nodes[nodeID] = string(output)
		return
	}
	s.Nodes[nodeID] = parsed
}

// ForNode returns a copy of the scope with Upstream restricted to the given
// predecessor node IDs.
func (s *Scope) ForNode(upstreamIDs []string) *Scope {
	up := make(map[string]any, len(upstreamIDs))
	for _, id := range upstreamIDs {
		if v, ok := s.Nodes[id]; ok {
			up[id] = v
		}
	}
	return &Scope{
		Inputs:   s.Inputs,
		Globals:  s.Globals,
		Nodes:    s.Nodes,
		Upstream: up,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
