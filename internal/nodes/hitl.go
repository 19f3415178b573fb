package nodes

import (
	"context"

	"github.com/chainreact/flowd/pkg/schema"
)

const hitlAskConfigSchema = `{
  "type": "object",
  "properties": {
    "channel": {"type": "string", "minLength": 1},
    "prompt": {"type": "string", "minLength": 1},
    "continuation_signals": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "extract_variables": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "timeout_ms": {"type": "integer", "minimum": 1},
    "timeout_action": {"type": "string", "enum": ["resume", "fail"]},
    "defaults": {"type": "object"}
  },
  "required": ["channel", "prompt", "continuation_signals"]
}`

// HITLAskNode implements the "hitl.ask" node. Instead of completing, it
// asks the runner to suspend: the run pauses, a conversation opens on the
// configured channel, and the node only completes when a human reply
// matches one of the continuation signals (or the timeout fires).
type HITLAskNode struct{}

func NewHITLAskNode() *HITLAskNode { return &HITLAskNode{} }

func (n *HITLAskNode) Type() string { return "hitl.ask" }

func (n *HITLAskNode) Schema() NodeSchema {
	return NodeSchema{
		Description:  "Pause the run and wait for a human reply on a channel.",
		ConfigSchema: []byte(hitlAskConfigSchema),
	}
}

func (n *HITLAskNode) Validate(config map[string]any) error {
	if stringParam(config, "channel", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "hitl.ask: missing required config 'channel'")
	}
	if stringParam(config, "prompt", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "hitl.ask: missing required config 'prompt'")
	}
	if len(stringSliceParam(config, "continuation_signals")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "hitl.ask: missing required config 'continuation_signals'")
	}
	if action := stringParam(config, "timeout_action", ""); action != "" {
		if action != schema.TimeoutActionResume && action != schema.TimeoutActionFail {
			return schema.NewErrorf(schema.ErrCodeValidation, "hitl.ask: invalid timeout_action %q", action)
		}
	}
	return nil
}

func (n *HITLAskNode) Run(_ context.Context, req Request) (*Result, error) {
	if err := n.Validate(req.Config); err != nil {
		return nil, err
	}

	extract := map[string]string{}
	for name, raw := range mapParam(req.Config, "extract_variables") {
		if pattern, ok := raw.(string); ok {
			extract[name] = pattern
		}
	}

	return &Result{
		Suspend: &SuspendRequest{
			Channel:             stringParam(req.Config, "channel", ""),
			Prompt:              stringParam(req.Config, "prompt", ""),
			ContinuationSignals: stringSliceParam(req.Config, "continuation_signals"),
			ExtractVariables:    extract,
			TimeoutMs:           intParam(req.Config, "timeout_ms", 0),
			TimeoutAction:       stringParam(req.Config, "timeout_action", schema.TimeoutActionFail),
			Defaults:            mapParam(req.Config, "defaults"),
		},
	}, nil
}
