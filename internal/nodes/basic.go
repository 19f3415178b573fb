package nodes

import (
	"context"
	"time"

	"github.com/chainreact/flowd/pkg/schema"
)

// NoopNode implements the "noop" node. It succeeds with an empty output.
type NoopNode struct{}

func NewNoopNode() *NoopNode { return &NoopNode{} }

func (n *NoopNode) Type() string { return "noop" }

func (n *NoopNode) Schema() NodeSchema {
	return NodeSchema{Description: "Do nothing and succeed."}
}

func (n *NoopNode) Validate(map[string]any) error { return nil }

func (n *NoopNode) Run(_ context.Context, _ Request) (*Result, error) {
	return &Result{Output: map[string]any{}}, nil
}

// EchoNode implements the "echo" node. It copies its resolved config into
// its output, which makes interpolated values observable downstream.
type EchoNode struct{}

func NewEchoNode() *EchoNode { return &EchoNode{} }

func (n *EchoNode) Type() string { return "echo" }

func (n *EchoNode) Schema() NodeSchema {
	return NodeSchema{Description: "Emit the resolved config as output."}
}

func (n *EchoNode) Validate(map[string]any) error { return nil }

func (n *EchoNode) Run(_ context.Context, req Request) (*Result, error) {
	out := make(map[string]any, len(req.Config))
	for k, v := range req.Config {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

const delayConfigSchema = `{
  "type": "object",
  "properties": {
    "duration_ms": {"type": "integer", "minimum": 1}
  },
  "required": ["duration_ms"]
}`

// DelayNode implements the "delay" node. It waits for the configured
// duration, honoring context cancellation.
type DelayNode struct{}

func NewDelayNode() *DelayNode { return &DelayNode{} }

func (n *DelayNode) Type() string { return "delay" }

func (n *DelayNode) Schema() NodeSchema {
	return NodeSchema{
		Description:  "Pause the branch for a fixed duration.",
		ConfigSchema: []byte(delayConfigSchema),
	}
}

func (n *DelayNode) Validate(config map[string]any) error {
	if intParam(config, "duration_ms", 0) <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "delay: missing required config 'duration_ms'")
	}
	return nil
}

func (n *DelayNode) Run(ctx context.Context, req Request) (*Result, error) {
	if err := n.Validate(req.Config); err != nil {
		return nil, err
	}

	dur := time.Duration(intParam(req.Config, "duration_ms", 0)) * time.Millisecond

	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &Result{Output: map[string]any{"waited_ms": dur.Milliseconds()}}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay: cancelled").WithCause(ctx.Err())
	}
}
