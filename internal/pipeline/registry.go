package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/helioslabs/helios/internal/logging"
)

var (
	// ErrDuplicatePlugin is returned when a plugin id is registered twice.
	ErrDuplicatePlugin = errors.New("pipeline: duplicate plugin id")
	// ErrUnknownPhase is returned when a plugin names a phase outside the
	// fixed ten.
	ErrUnknownPhase = errors.New("pipeline: unknown phase")
)

// Registry holds the plugins for each phase in deterministic execution
// order: ascending Order, ties broken by ID. Registration happens at
// kernel assembly; reads afterwards are lock-cheap.
type Registry struct {
	mu      sync.RWMutex
	byPhase map[Phase][]Plugin
	byID    map[string]Plugin
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		byPhase: make(map[Phase][]Plugin),
		byID:    make(map[string]Plugin),
	}
}

// Register adds a plugin and re-sorts its phase slice.
func (r *Registry) Register(p Plugin) error {
	if !IsValid(p.Phase()) {
		return fmt.Errorf("%w: %q (plugin %s)", ErrUnknownPhase, p.Phase(), p.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[p.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.ID())
	}
	r.byID[p.ID()] = p
	plugins := append(r.byPhase[p.Phase()], p)
	sort.SliceStable(plugins, func(i, j int) bool {
		if plugins[i].Order() != plugins[j].Order() {
			return plugins[i].Order() < plugins[j].Order()
		}
		return plugins[i].ID() < plugins[j].ID()
	})
	r.byPhase[p.Phase()] = plugins
	return nil
}

// PluginsFor returns the plugins of a phase in execution order. The
// returned slice must not be mutated.
func (r *Registry) PluginsFor(phase Phase) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPhase[phase]
}

// Len returns the total number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// all returns every plugin in global execution order (phase order, then
// per-phase order).
func (r *Registry) all() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plugin
	for _, ph := range ordered {
		out = append(out, r.byPhase[ph]...)
	}
	return out
}

// Initialize runs the Lifecycle.Initialize hook of every plugin in
// global order, stopping at the first error.
func (r *Registry) Initialize(ctx context.Context) error {
	for _, p := range r.all() {
		lc, ok := p.(Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Initialize(ctx); err != nil {
			return fmt.Errorf("pipeline: initialize plugin %s: %w", p.ID(), err)
		}
	}
	return nil
}

// Shutdown runs the Lifecycle.Shutdown hook of every plugin in reverse
// global order. All hooks run; errors are joined.
func (r *Registry) Shutdown() error {
	plugins := r.all()
	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		lc, ok := plugins[i].(Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Shutdown(); err != nil {
			logging.Op().Warn("plugin shutdown", "plugin", plugins[i].ID(), "error", err)
			errs = append(errs, fmt.Errorf("shutdown plugin %s: %w", plugins[i].ID(), err))
		}
	}
	return errors.Join(errs...)
}
