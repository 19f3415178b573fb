package nodes

import (
	"context"

	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/pkg/schema"
)

const transformConfigSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1}
  },
  "required": ["query"]
}`

// TransformNode implements the "transform" node. It runs a jq program
// against the run scope to filter, reshape or aggregate upstream data.
// The jq input document is {inputs, globals, nodes, upstream}.
type TransformNode struct {
	jq *expressions.GoJQEngine
}

// NewTransformNode creates a transform node backed by the given jq engine.
func NewTransformNode(jq *expressions.GoJQEngine) *TransformNode {
	return &TransformNode{jq: jq}
}

func (n *TransformNode) Type() string { return "transform" }

func (n *TransformNode) Schema() NodeSchema {
	return NodeSchema{
		Description:  "Reshape upstream data with a jq program.",
		ConfigSchema: []byte(transformConfigSchema),
	}
}

func (n *TransformNode) Validate(config map[string]any) error {
	if stringParam(config, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform: missing required config 'query'")
	}
	return nil
}

func (n *TransformNode) Run(ctx context.Context, req Request) (*Result, error) {
	if err := n.Validate(req.Config); err != nil {
		return nil, err
	}

	query := stringParam(req.Config, "query", "")
	data := map[string]any{
		"inputs":   req.Input,
		"globals":  req.Globals,
		"nodes":    req.Nodes,
		"upstream": req.Upstream,
	}

	out, err := n.jq.Evaluate(ctx, query, data)
	if err != nil {
		return nil, err
	}

	// jq results that are not objects get wrapped so downstream templates
	// can still address them by key.
	if obj, ok := out.(map[string]any); ok {
		return &Result{Output: obj}, nil
	}
	return &Result{Output: map[string]any{"result": out}}, nil
}
