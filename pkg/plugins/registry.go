package plugins

import (
	"fmt"
	"sync"
)

// Registry holds plugin configurations in registration order.
// It is read during validation and listing, written during registration and removal.
type Registry struct {
	mu      sync.RWMutex
	configs []PluginConfig
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Put registers cfg, replacing an existing entry with the same name in place
func (r *Registry) Put(cfg PluginConfig) error {
	if cfg.Metadata.Name == "" {
		return fmt.Errorf("cannot register plugin without a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.configs {
		if r.configs[i].Metadata.Name == cfg.Metadata.Name {
			r.configs[i] = cfg
			return nil
		}
	}
	r.configs = append(r.configs, cfg)
	return nil
}

// Remove deletes a plugin by name
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.configs {
		if r.configs[i].Metadata.Name == name {
			r.configs = append(r.configs[:i], r.configs[i+1:]...)
			return nil
		}
	}
	return NewError(KindNotFound, name, "not registered", nil)
}

// Get retrieves a plugin config by name
func (r *Registry) Get(name string) (PluginConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cfg := range r.configs {
		if cfg.Metadata.Name == name {
			return cfg, nil
		}
	}
	return PluginConfig{}, NewError(KindNotFound, name, "not registered", nil)
}

// Has checks if a plugin is registered
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Snapshot returns a copy of all configs in registration order
func (r *Registry) Snapshot() []PluginConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginConfig, len(r.configs))
	copy(out, r.configs)
	return out
}

// Count returns the number of registered plugins
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.configs)
}

// Clear removes all plugins
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs = nil
}
