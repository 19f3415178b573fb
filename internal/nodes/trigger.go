package nodes

import "context"

// Trigger nodes are the entry points of a flow. By the time the runner
// executes one, the triggering event has already happened; the handler's
// only job is to surface the event payload as the node's output so
// downstream nodes can reference it.

type triggerNode struct {
	nodeType    string
	description string
}

func (n *triggerNode) Type() string { return n.nodeType }

func (n *triggerNode) Schema() NodeSchema {
	return NodeSchema{Description: n.description}
}

func (n *triggerNode) Validate(map[string]any) error { return nil }

func (n *triggerNode) Run(_ context.Context, req Request) (*Result, error) {
	out := make(map[string]any, len(req.Input))
	for k, v := range req.Input {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// NewWebhookTriggerNode creates the "trigger.webhook" entry node.
func NewWebhookTriggerNode() Handler {
	return &triggerNode{
		nodeType:    "trigger.webhook",
		description: "Entry point fired by an ingested webhook event.",
	}
}

// NewScheduleTriggerNode creates the "trigger.schedule" entry node.
func NewScheduleTriggerNode() Handler {
	return &triggerNode{
		nodeType:    "trigger.schedule",
		description: "Entry point fired by a cron or one-shot schedule.",
	}
}

// NewManualTriggerNode creates the "trigger.manual" entry node.
func NewManualTriggerNode() Handler {
	return &triggerNode{
		nodeType:    "trigger.manual",
		description: "Entry point fired by a direct start request.",
	}
}
