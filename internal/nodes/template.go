package nodes

import (
	"context"

	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/pkg/schema"
)

const templateConfigSchema = `{
  "type": "object",
  "properties": {
    "fields": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string"}
    }
  },
  "required": ["fields"]
}`

// TemplateNode implements the "template" node. Each configured field is an
// expr-lang expression evaluated over the run scope; the output object maps
// field names to their evaluated values. Undefined references yield nil.
type TemplateNode struct {
	exprs *expressions.ExprEngine
}

// NewTemplateNode creates a template node backed by the given expr engine.
func NewTemplateNode(exprs *expressions.ExprEngine) *TemplateNode {
	return &TemplateNode{exprs: exprs}
}

func (n *TemplateNode) Type() string { return "template" }

func (n *TemplateNode) Schema() NodeSchema {
	return NodeSchema{
		Description:  "Build an output object from per-field expressions.",
		ConfigSchema: []byte(templateConfigSchema),
	}
}

func (n *TemplateNode) Validate(config map[string]any) error {
	fields := mapParam(config, "fields")
	if len(fields) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "template: missing required config 'fields'")
	}
	for name, raw := range fields {
		if _, ok := raw.(string); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "template: field %q is not an expression string", name)
		}
	}
	return nil
}

func (n *TemplateNode) Run(ctx context.Context, req Request) (*Result, error) {
	if err := n.Validate(req.Config); err != nil {
		return nil, err
	}

	data := map[string]any{
		"inputs":   req.Input,
		"globals":  req.Globals,
		"nodes":    req.Nodes,
		"upstream": req.Upstream,
	}

	fields := mapParam(req.Config, "fields")
	output := make(map[string]any, len(fields))
	for name, raw := range fields {
		expression := raw.(string)
		val, err := n.exprs.Evaluate(ctx, expression, data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"template: field %q failed: %s", name, err.Error()).WithCause(err)
		}
		output[name] = val
	}

	return &Result{Output: output}, nil
}
