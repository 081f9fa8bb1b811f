package plugin

import (
	"sort"
	"sync"
)

// Registry is the process-wide lookup from plugin id to loaded instance.
// Plugins are registered at startup and live for the process lifetime; there
// is no unloading. Mutation is guarded so registration order is irrelevant.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]DevicePlugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]DevicePlugin)}
}

// Register adds a plugin under its metadata id, replacing any previous entry.
func (r *Registry) Register(p DevicePlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Metadata().ID] = p
}

// Get returns the plugin for id. The second return is false when absent;
// the "plugin not found" decision belongs to the caller.
func (r *Registry) Get(id string) (DevicePlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns the registered plugin ids, sorted for deterministic output.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every registered plugin in id order.
func (r *Registry) All() []DevicePlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]DevicePlugin, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.plugins[id])
	}
	return out
}
