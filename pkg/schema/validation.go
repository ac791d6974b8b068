package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// flowSchemaJSON is the JSON Schema for FlowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowkit.dev/schemas/flow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "provider", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "provider": {"type": "string", "minLength": 1},
        "action": {"type": "string", "minLength": 1},
        "config": {"type": "object"},
        "inputs": {"type": "object"},
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_retries": {"type": "integer", "minimum": 0},
        "retry_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": {"type": "string"},
        "source": {"type": "string", "minLength": 1},
        "target": {"type": "string", "minLength": 1},
        "branch": {"type": "string", "enum": ["true", "false"]}
      },
      "additionalProperties": false
    }
  }
}`

var (
	flowSchemaOnce sync.Once
	flowSchema     *jsonschema.Schema
	flowSchemaErr  error
)

func compiledFlowSchema() (*jsonschema.Schema, error) {
	flowSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
		if err != nil {
			flowSchemaErr = fmt.Errorf("unmarshal flow schema: %w", err)
			return
		}
		if err := c.AddResource("https://flowkit.dev/schemas/flow.json", doc); err != nil {
			flowSchemaErr = fmt.Errorf("add flow schema resource: %w", err)
			return
		}
		flowSchema, flowSchemaErr = c.Compile("https://flowkit.dev/schemas/flow.json")
	})
	return flowSchema, flowSchemaErr
}

// ValidateDefinition validates a FlowDefinition against the flow JSON Schema,
// then applies the structural checks JSON Schema cannot express: duplicate
// node IDs and edges referencing nodes absent from the definition.
func ValidateDefinition(def *FlowDefinition) error {
	if def == nil {
		return NewError(ErrCodeValidation, "flow definition is nil")
	}

	compiled, err := compiledFlowSchema()
	if err != nil {
		return NewError(ErrCodeValidation, "flow schema unavailable").WithCause(err)
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return NewError(ErrCodeValidation, "failed to serialize flow definition").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, exists := seen[n.ID]; exists {
			return NewErrorf(ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	for _, e := range def.Edges {
		if _, ok := seen[e.Source]; !ok {
			return NewErrorf(ErrCodeValidation, "edge %s references unknown source node %q", e.ID, e.Source)
		}
		if _, ok := seen[e.Target]; !ok {
			return NewErrorf(ErrCodeValidation, "edge %s references unknown target node %q", e.ID, e.Target)
		}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, per-location violation messages.
func toFlowError(err error) *FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewError(ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return NewError(ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return NewError(ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return NewErrorf(ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
