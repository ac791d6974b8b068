package capability

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsrig/flowkit/pkg/schema"
)

// InputValidator validates merged node inputs against an action's declared
// JSON Schema (Draft 2020-12). Safe for concurrent use; compiled schemas are
// cached by schema text.
type InputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewInputValidator creates an InputValidator with an empty cache.
func NewInputValidator() *InputValidator {
	return &InputValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateInput validates input data against the action's input schema.
// Actions without an input schema accept anything.
func (v *InputValidator) ValidateInput(action Action, input map[string]any) error {
	inputSchema := action.Schema().InputSchema
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"action %q declares an invalid input schema", action.Name()).WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number, as the
	// jsonschema library requires.
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(action.Name(), err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *InputValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("flowkit://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError flattens a jsonschema.ValidationError tree into a
// CONFIGURATION_ERROR listing each violating location.
func toValidationError(actionName string, err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s: %s", actionName, err.Error())
	}

	violations := collectViolations(verr)
	msg := fmt.Sprintf("input rejected by %s schema", actionName)
	if len(violations) == 1 {
		msg = fmt.Sprintf("%s: %s", actionName, violations[0])
	}
	return schema.NewError(schema.ErrCodeConfiguration, msg).
		WithDetails(map[string]any{"violations": violations})
}

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
