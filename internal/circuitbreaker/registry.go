package circuitbreaker

import "sync"

// Registry holds per-provider breakers. The read path (Get for an
// existing breaker) takes only the read lock; creation double-checks
// under the write lock.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	onChange func(name string, from, to State, reason string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// OnStateChange installs a transition callback inherited by every
// breaker the registry creates afterwards.
func (r *Registry) OnStateChange(fn func(name string, from, to State, reason string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Get returns the breaker for a provider, creating one when the config
// is valid. Returns nil when circuit breaking is disabled for this
// provider.
func (r *Registry) Get(providerID string, cfg Config) *Breaker {
	if !cfg.Valid() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double check
	if b, ok := r.breakers[providerID]; ok {
		return b
	}
	b = New(providerID, cfg)
	if b != nil && r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[providerID] = b
	return b
}

// Lookup returns an existing breaker without creating one.
func (r *Registry) Lookup(providerID string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[providerID]
	return b, ok
}

// Remove deletes the breaker for a deregistered provider.
func (r *Registry) Remove(providerID string) {
	r.mu.Lock()
	delete(r.breakers, providerID)
	r.mu.Unlock()
}

// Snapshot returns per-provider breaker stats for the control plane.
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Stats()
	}
	return out
}
