package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrig/flowkit/pkg/schema"
)

type schemaAction struct {
	fakeAction
	inputSchema string
}

func (a *schemaAction) Schema() ActionSchema {
	return ActionSchema{InputSchema: json.RawMessage(a.inputSchema)}
}

func TestValidateInput_NoSchemaAcceptsAnything(t *testing.T) {
	v := NewInputValidator()
	err := v.ValidateInput(&fakeAction{name: "free"}, map[string]any{"anything": 42})
	assert.NoError(t, err)
}

func TestValidateInput_ValidDocument(t *testing.T) {
	v := NewInputValidator()
	a := &schemaAction{
		fakeAction:  fakeAction{name: "strict"},
		inputSchema: `{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`,
	}
	assert.NoError(t, v.ValidateInput(a, map[string]any{"count": 3}))
}

func TestValidateInput_MissingRequiredField(t *testing.T) {
	v := NewInputValidator()
	a := &schemaAction{
		fakeAction:  fakeAction{name: "strict"},
		inputSchema: `{"type":"object","required":["count"]}`,
	}
	err := v.ValidateInput(a, map[string]any{})
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConfiguration, ferr.Code)
}

func TestValidateInput_InvalidSchemaIsConfigurationError(t *testing.T) {
	v := NewInputValidator()
	a := &schemaAction{
		fakeAction:  fakeAction{name: "broken"},
		inputSchema: `{"type": 42}`,
	}
	err := v.ValidateInput(a, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input schema")
}

func TestValidateInput_CompiledSchemaIsCached(t *testing.T) {
	v := NewInputValidator()
	a := &schemaAction{
		fakeAction:  fakeAction{name: "strict"},
		inputSchema: `{"type":"object"}`,
	}
	require.NoError(t, v.ValidateInput(a, map[string]any{}))
	require.NoError(t, v.ValidateInput(a, map[string]any{}))
	assert.Len(t, v.cache, 1)
}
