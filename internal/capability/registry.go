package capability

import (
	"sort"
	"sync"

	"github.com/opsrig/flowkit/pkg/schema"
)

// Registry is the lookup table from (provider ID, action ID) to Action.
// It is populated once at process start and read-only during execution; the
// engine receives it by reference rather than through package globals.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]map[string]Action),
	}
}

// RegisterProvider adds all of a provider's actions. Returns an error on a
// duplicate provider ID or an empty action name.
func (r *Registry) RegisterProvider(p Provider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider is nil")
	}
	id := p.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider ID is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already registered", id)
	}

	actions := make(map[string]Action)
	for _, a := range p.Actions() {
		name := a.Name()
		if name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "provider %q has an action with empty name", id)
		}
		if _, exists := actions[name]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "provider %q action %q already registered", id, name)
		}
		actions[name] = a
	}
	r.providers[id] = actions
	return nil
}

// Resolve returns the action registered under the provider/action pair, or a
// NOT_FOUND error naming the missing half.
func (r *Registry) Resolve(providerID, actionID string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions, ok := r.providers[providerID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "provider %q not registered", providerID)
	}
	action, ok := actions[actionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "provider %q has no action %q", providerID, actionID)
	}
	return action, nil
}

// Has checks whether a provider/action pair is registered.
func (r *Registry) Has(providerID, actionID string) bool {
	_, err := r.Resolve(providerID, actionID)
	return err == nil
}

// List returns info for all registered actions, sorted by provider then action.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []ActionInfo
	for pid, actions := range r.providers {
		for _, a := range actions {
			infos = append(infos, ActionInfo{
				Provider:    pid,
				Action:      a.Name(),
				Description: a.Schema().Description,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Provider != infos[j].Provider {
			return infos[i].Provider < infos[j].Provider
		}
		return infos[i].Action < infos[j].Action
	})
	return infos
}
