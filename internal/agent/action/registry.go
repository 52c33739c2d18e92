package action

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
)

// Registry maps action name to action record. Keys are unique; insertion
// order is preserved for stable iteration, matching spec.md §3's "Registry"
// data model. Actions may be registered before the transport connects;
// registering with the cloud is a separate, retriable step C7 drives.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
	order   []string
	enabled map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]*Action),
		enabled: make(map[string]bool),
	}
}

// Register adds action. Invariant: no two actions share a name.
func (r *Registry) Register(a *Action) error {
	if a.Name == "" || len(a.Name) > 128 {
		return fmt.Errorf("%w: action name must be 1-128 bytes", agenterr.ErrBadParameter)
	}
	if a.Target.Callback == nil && len(a.Target.Command) == 0 {
		return fmt.Errorf("%w: action %q has no execution target", agenterr.ErrBadParameter, a.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name]; exists {
		return fmt.Errorf("%w: %s", agenterr.ErrActionExists, a.Name)
	}
	r.actions[a.Name] = a
	r.order = append(r.order, a.Name)
	if _, set := r.enabled[a.Name]; !set {
		r.enabled[a.Name] = true
	}
	return nil
}

// Deregister removes action by name.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, name)
	r.order = lo.Filter(r.order, func(n string, _ int) bool { return n != name })
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetEnabled gates whether a registered action accepts dispatch, per the
// actions_enabled map in iot-device-manager.cfg (SPEC_FULL.md's supplemented
// config feature). A disabled action is distinct from an unregistered one:
// dispatch responds no-permission rather than not-found.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = enabled
}

func (r *Registry) isEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enabled, set := r.enabled[name]
	return !set || enabled
}
