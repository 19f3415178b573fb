package validation

import (
	"encoding/json"

	"github.com/chainreact/flowd/pkg/schema"
)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node types, edge refs, ports, trigger wiring, conditions)
// 3. DAG (cycles, reachability)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	types      NodeLookup
	conditions ConditionChecker
}

// NewFlowValidator creates a FlowValidator.
// types may be nil to skip node type existence checks; conditions may be nil
// to skip edge condition compilation.
func NewFlowValidator(types NodeLookup, conditions ConditionChecker) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{
		jsonSchema: jsv,
		types:      types,
		conditions: conditions,
	}, nil
}

// Parse unmarshals raw JSON into a Flow and runs the full validation
// pipeline. Returns the parsed flow only when it is valid.
func (fv *FlowValidator) Parse(raw json.RawMessage) (*schema.Flow, error) {
	var flow schema.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is not valid JSON").WithCause(err)
	}
	if err := fv.Validate(&flow).ToError(); err != nil {
		return nil, err
	}
	return &flow, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (fv *FlowValidator) Validate(flow *schema.Flow) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(fv.jsonSchema, flow)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(flow, fv.types, fv.conditions))

	// Stage 3: DAG (skip if semantic errors — graph may be invalid).
	if result.Valid() {
		result.Merge(validateDAG(flow))
	}

	return result
}

// ValidateInput validates run inputs against the flow's declared input
// schema. Flows without an interface accept any input.
func (fv *FlowValidator) ValidateInput(flow *schema.Flow, input map[string]any) error {
	if flow.Interface == nil || len(flow.Interface.InputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	return fv.jsonSchema.ValidateData(input, flow.Interface.InputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateFlow, converting its
// error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, flow *schema.Flow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateFlow(flow)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
