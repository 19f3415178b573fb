package nodes

import (
	"context"

	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/pkg/schema"
)

// BranchNoMatch is emitted when no case matches and no default is set.
// No edge can legally carry this label, so everything downstream skips.
const BranchNoMatch = "__no_match__"

const switchConfigSchema = `{
  "type": "object",
  "properties": {
    "cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["branch", "when"],
        "properties": {
          "branch": {"type": "string", "minLength": 1},
          "when": {"type": "string", "minLength": 1}
        }
      }
    },
    "default": {"type": "string"}
  },
  "required": ["cases"]
}`

// SwitchNode implements the "switch" branching node. It evaluates CEL
// predicates in declared order and emits the branch of the first match.
// When no case matches and no default is configured, the node still
// succeeds; the run simply skips everything downstream.
type SwitchNode struct {
	cel *expressions.CELEngine
}

// NewSwitchNode creates a switch node backed by the given CEL engine.
func NewSwitchNode(cel *expressions.CELEngine) *SwitchNode {
	return &SwitchNode{cel: cel}
}

func (n *SwitchNode) Type() string { return "switch" }

func (n *SwitchNode) Schema() NodeSchema {
	return NodeSchema{
		Description:  "Route the run down one branch by evaluating predicates in order.",
		ConfigSchema: []byte(switchConfigSchema),
	}
}

func (n *SwitchNode) Validate(config map[string]any) error {
	cases, ok := config["cases"].([]any)
	if !ok || len(cases) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "switch: missing required config 'cases'")
	}
	for i, raw := range cases {
		c, ok := raw.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch: cases[%d] is not an object", i)
		}
		if stringParam(c, "branch", "") == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch: cases[%d] missing 'branch'", i)
		}
		when := stringParam(c, "when", "")
		if when == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch: cases[%d] missing 'when'", i)
		}
		if err := n.cel.Check(when); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch: cases[%d].when: %s", i, err.Error()).WithCause(err)
		}
	}
	return nil
}

func (n *SwitchNode) Run(ctx context.Context, req Request) (*Result, error) {
	if err := n.Validate(req.Config); err != nil {
		return nil, err
	}

	data := map[string]any{
		"inputs":   req.Input,
		"globals":  req.Globals,
		"nodes":    req.Nodes,
		"upstream": req.Upstream,
	}

	cases := req.Config["cases"].([]any)
	for i, raw := range cases {
		c := raw.(map[string]any)
		branch := stringParam(c, "branch", "")
		when := stringParam(c, "when", "")

		matched, err := n.cel.EvaluateBool(ctx, when, data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"switch: cases[%d].when failed: %s", i, err.Error()).WithCause(err)
		}
		if matched {
			return &Result{
				Output: map[string]any{"branch": branch, "matched_case": i},
				Branch: branch,
			}, nil
		}
	}

	if def := stringParam(req.Config, "default", ""); def != "" {
		return &Result{
			Output: map[string]any{"branch": def, "matched_case": -1},
			Branch: def,
		}, nil
	}

	// No branch taken: downstream edges are all unsatisfiable.
	return &Result{
		Output: map[string]any{"branch": "", "matched_case": -1},
		Branch: BranchNoMatch,
	}, nil
}
