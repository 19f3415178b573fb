package nodes

import (
	"context"
	"encoding/json"
)

// Handler is an executable node implementation resolved by type name.
type Handler interface {
	Type() string
	Schema() NodeSchema
	Run(ctx context.Context, req Request) (*Result, error)
	Validate(config map[string]any) error
}

// NodeRegistry manages the lifecycle and lookup of available node handlers.
type NodeRegistry interface {
	Register(h Handler) error
	Get(nodeType string) (Handler, error)
	List() []NodeInfo
}

// NodeSchema describes the config and data contract of a node type.
type NodeSchema struct {
	ConfigSchema []byte `json:"config_schema,omitempty"`
	InputSchema  []byte `json:"input_schema,omitempty"`
	OutputSchema []byte `json:"output_schema,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Request is the data provided to a handler at execution time.
// Config is fully interpolated before the handler runs. Upstream holds the
// outputs of direct predecessors keyed by node ID; Nodes holds the outputs
// of every completed node, mirroring the scope expressions see elsewhere.
type Request struct {
	RunID    string
	NodeID   string
	Config   map[string]any
	Input    map[string]any
	Globals  map[string]any
	Nodes    map[string]any
	Upstream map[string]any

	// Progress reports a transient status message for long-running work.
	// Never nil.
	Progress func(message string)
}

// Result is the outcome of a handler invocation.
// Branch names the taken branch for branching nodes; empty for linear nodes.
// A non-nil Suspend pauses the run and opens a conversation instead of
// completing the node.
type Result struct {
	Output  map[string]any  `json:"output,omitempty"`
	Branch  string          `json:"branch,omitempty"`
	Suspend *SuspendRequest `json:"suspend,omitempty"`
}

// SuspendRequest asks the runner to pause the run and wait for an external
// reply before the node completes.
type SuspendRequest struct {
	Channel             string            `json:"channel"`
	Prompt              string            `json:"prompt"`
	ContinuationSignals []string          `json:"continuation_signals"`
	ExtractVariables    map[string]string `json:"extract_variables,omitempty"`
	TimeoutMs           int               `json:"timeout_ms,omitempty"`
	TimeoutAction       string            `json:"timeout_action,omitempty"`
	Defaults            map[string]any    `json:"defaults,omitempty"`
}

// NodeInfo is a summary of a registered node type for listing.
type NodeInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Config helpers shared by handler implementations.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return mm
}
