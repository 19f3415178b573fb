package validation

import (
	"encoding/json"
	"fmt"

	"github.com/chainreact/flowd/pkg/schema"
)

// NodeLookup checks whether a node type is registered.
// nil disables type existence checks.
type NodeLookup interface {
	Has(nodeType string) bool
}

// ConditionChecker compiles an edge condition without evaluating it.
// nil disables condition checks.
type ConditionChecker interface {
	Check(expression string) error
}

// validateSemantic performs semantic analysis on a flow:
// duplicate node IDs, edge referential integrity, port references, trigger
// wiring, edge condition syntax, and port schema compatibility.
func validateSemantic(flow *schema.Flow, lookup NodeLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.Node, len(flow.Nodes))
	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if _, exists := nodes[n.ID]; exists {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n

		if lookup != nil && !lookup.Has(n.Type) {
			result.AddError(fmt.Sprintf("nodes[%d].type", i), schema.ErrCodeValidation,
				fmt.Sprintf("node type %q not registered", n.Type))
		}
	}

	// Trigger wiring.
	triggerNode, ok := nodes[flow.Trigger.NodeID]
	if !ok {
		result.AddError("trigger.node_id", schema.ErrCodeValidation,
			fmt.Sprintf("trigger references non-existent node %q", flow.Trigger.NodeID))
	}

	incoming := make(map[string]int, len(flow.Nodes))
	for i := range flow.Edges {
		edge := &flow.Edges[i]
		path := fmt.Sprintf("edges[%d]", i)

		from, fromOK := nodes[edge.From.NodeID]
		if !fromOK {
			result.AddError(path+".from.node_id", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", edge.From.NodeID))
		}
		to, toOK := nodes[edge.To.NodeID]
		if !toOK {
			result.AddError(path+".to.node_id", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", edge.To.NodeID))
		}

		if fromOK && toOK && edge.From.NodeID == edge.To.NodeID {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("self-edge on node %q", edge.From.NodeID))
		}

		if fromOK {
			validatePortRef(from.OutPorts, edge.From.Port, path+".from.port", result)
		}
		if toOK {
			validatePortRef(to.InPorts, edge.To.Port, path+".to.port", result)
			incoming[edge.To.NodeID]++
		}

		if fromOK && toOK {
			validatePortCompatibility(from, to, edge, path, result)
		}

		if edge.Condition != "" && conditions != nil {
			if err := conditions.Check(edge.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("invalid condition: %s", err.Error()))
			}
		}
	}

	// The trigger node is the sole entry point: it must have no incoming
	// edges, and every other node must have at least one.
	if triggerNode != nil {
		if incoming[triggerNode.ID] > 0 {
			result.AddError("trigger.node_id", schema.ErrCodeValidation,
				fmt.Sprintf("trigger node %q must not have incoming edges", triggerNode.ID))
		}
		for i := range flow.Nodes {
			n := &flow.Nodes[i]
			if n.ID != triggerNode.ID && incoming[n.ID] == 0 {
				result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q has no incoming edges and is not the trigger", n.ID))
			}
		}
	}

	return result
}

// validatePortRef checks a named port reference against the node's declared
// ports. An empty port name always resolves (the default port); a node with
// no declared ports accepts any name.
func validatePortRef(ports []schema.Port, name, path string, result *schema.ValidationResult) {
	if name == "" || len(ports) == 0 {
		return
	}
	for i := range ports {
		if ports[i].Name == name {
			return
		}
	}
	result.AddError(path, schema.ErrCodeValidation,
		fmt.Sprintf("references undeclared port %q", name))
}

// validatePortCompatibility applies the structural compatibility rule to an
// edge: every required property of the destination port's schema must be a
// property the source port's schema provides. Ports without schemas are
// compatible with anything.
func validatePortCompatibility(from, to *schema.Node, edge *schema.Edge, path string, result *schema.ValidationResult) {
	outSchema := findPortSchema(from.OutPorts, edge.From.Port)
	inSchema := findPortSchema(to.InPorts, edge.To.Port)
	if len(outSchema) == 0 || len(inSchema) == 0 {
		return
	}

	provided := schemaProperties(outSchema)
	if provided == nil {
		return // source schema is not an object shape we can reason about
	}

	for _, req := range schemaRequired(inSchema) {
		if !provided[req] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("destination port requires property %q which source port does not provide", req))
		}
	}
}

func findPortSchema(ports []schema.Port, name string) json.RawMessage {
	for i := range ports {
		if ports[i].Name == name || (name == "" && i == 0) {
			return ports[i].Schema
		}
	}
	return nil
}

// schemaProperties extracts the property name set from a JSON Schema object.
func schemaProperties(raw json.RawMessage) map[string]bool {
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Properties == nil {
		return nil
	}
	props := make(map[string]bool, len(doc.Properties))
	for k := range doc.Properties {
		props[k] = true
	}
	return props
}

// schemaRequired extracts the required property list from a JSON Schema object.
func schemaRequired(raw json.RawMessage) []string {
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc.Required
}
