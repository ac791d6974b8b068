package capability

import (
	"context"
	"encoding/json"

	"github.com/opsrig/flowkit/pkg/schema"
)

// Result is the open map of named outputs produced by an action. By
// convention the boolean field "success" (schema.SuccessKey) is reserved for
// conditional branch routing.
type Result map[string]any

// Success reads the reserved routing field. ok is false when the field is
// absent or not a bool; in that case both labeled branches are skipped.
func (r Result) Success() (value, ok bool) {
	v, present := r[schema.SuccessKey]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params  map[string]any `json:"params"`            // merged static + dynamic node inputs
	Auth    map[string]any `json:"auth,omitempty"`    // node config / auth material
	Context map[string]any `json:"context,omitempty"` // run correlation (run_id, node_id)
}

// Action is a named, invocable unit of external behavior.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (Result, error)
	Validate(input map[string]any) error
}

// Provider groups the actions of one capability provider under a stable ID.
type Provider interface {
	ID() string
	Actions() []Action
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Provider    string `json:"provider"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// staticProvider is the concrete Provider used by the builtins.
type staticProvider struct {
	id      string
	actions []Action
}

// NewProvider builds a Provider from a fixed action set.
func NewProvider(id string, actions ...Action) Provider {
	return &staticProvider{id: id, actions: actions}
}

func (p *staticProvider) ID() string        { return p.id }
func (p *staticProvider) Actions() []Action { return p.actions }
