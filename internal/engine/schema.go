package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return rs, nil
}

// checkSchema rejects a schema document that cannot be compiled.
func checkSchema(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return invalid(field, "must be valid JSON")
	}
	if _, err := compileSchema(raw); err != nil {
		return invalid(field, err.Error())
	}
	return nil
}

// validateOutput checks step output against the step's output schema. Missing
// output is validated as JSON null.
func validateOutput(schema, output json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	rs, err := compileSchema(schema)
	if err != nil {
		return invalid("output_schema", err.Error())
	}
	var instance any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &instance); err != nil {
			return invalid("output", "must be valid JSON")
		}
	}
	if err := rs.Validate(instance); err != nil {
		return invalid("output", err.Error())
	}
	return nil
}
