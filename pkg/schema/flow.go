package schema

import "encoding/json"

// Flow is the immutable, user-authored workflow graph definition.
// Parsed and validated once; never mutated by the engine.
type Flow struct {
	ID        string         `json:"id"`
	Version   int            `json:"version"`
	Name      string         `json:"name,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Trigger   TriggerSpec    `json:"trigger"`
	Interface *FlowInterface `json:"interface,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Node is a single trigger or action vertex in a flow.
type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`             // resolved against the node registry at run time
	Config   json.RawMessage `json:"config,omitempty"` // may contain {{...}} templates, resolved lazily
	InPorts  []Port          `json:"in_ports,omitempty"`
	OutPorts []Port          `json:"out_ports,omitempty"`
	IO       NodeIO          `json:"io,omitempty"`
	Policy   Policy          `json:"policy,omitempty"`
	CostHint int             `json:"cost_hint,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Port is a named connection point with an optional JSON Schema payload shape.
type Port struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// NodeIO declares the input/output data contract of a node.
type NodeIO struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Policy configures per-node execution limits.
type Policy struct {
	TimeoutMs int    `json:"timeout_ms,omitempty"` // wall-clock limit per invocation; 0 = engine default
	Retries   int    `json:"retries,omitempty"`    // retry budget for transient errors
	Backoff   string `json:"backoff,omitempty"`    // constant | linear | exponential (default: exponential)
	DelayMs   int    `json:"delay_ms,omitempty"`   // initial backoff delay; 0 = engine default
}

// Edge connects an output port of one node to an input port of another.
// Branch carries the label for edges leaving a branching node; the runner
// only traverses edges whose label matches the emitted branch. Condition
// is an optional CEL guard evaluated against the run scope.
type Edge struct {
	From      EdgeEndpoint `json:"from"`
	To        EdgeEndpoint `json:"to"`
	Branch    string       `json:"branch,omitempty"`
	Condition string       `json:"condition,omitempty"`
}

// EdgeEndpoint names one side of an edge.
type EdgeEndpoint struct {
	NodeID string `json:"node_id"`
	Port   string `json:"port,omitempty"`
}

// TriggerSpec identifies the entry node of a flow and how it is fired.
type TriggerSpec struct {
	NodeID string `json:"node_id"`
	Type   string `json:"type"` // webhook | schedule | manual
}

// FlowInterface declares the external input/output contract of a flow.
type FlowInterface struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}
