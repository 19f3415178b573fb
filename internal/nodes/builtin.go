package nodes

import "github.com/chainreact/flowd/internal/expressions"

// RegisterBuiltins registers all built-in node types in the given registry.
func RegisterBuiltins(reg *Registry, cel *expressions.CELEngine, jq *expressions.GoJQEngine, exprs *expressions.ExprEngine, httpCfg HTTPConfig) error {
	all := []Handler{
		NewWebhookTriggerNode(),
		NewScheduleTriggerNode(),
		NewManualTriggerNode(),
		NewHTTPRequestNode(httpCfg),
		NewSwitchNode(cel),
		NewTransformNode(jq),
		NewTemplateNode(exprs),
		NewHITLAskNode(),
		NewDelayNode(),
		NewEchoNode(),
		NewNoopNode(),
	}

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
