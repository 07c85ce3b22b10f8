package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/helioslabs/helios/internal/logging"
)

const (
	// DefaultHealthTTL is how long a cached health snapshot stays fresh.
	DefaultHealthTTL = 30 * time.Second

	// healthProbeTimeout bounds one Health call regardless of caller ctx,
	// so a hung backend cannot wedge the refresh goroutine.
	healthProbeTimeout = 10 * time.Second
)

// ErrProviderNotFound is returned when a provider ID is not registered.
var ErrProviderNotFound = fmt.Errorf("provider: not found")

type registryEntry struct {
	provider Provider
	ttl      time.Duration

	snapshot  HealthSnapshot
	checked   bool
	fetchedAt time.Time
}

// Registry tracks registered providers and caches their health snapshots.
// Stale snapshots are served while a single background probe refreshes
// them, so a slow backend never stalls request routing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	group   singleflight.Group
	ttl     time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHealthTTL overrides the default snapshot TTL for all providers.
func WithHealthTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// NewRegistry builds an empty provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*registryEntry),
		ttl:     DefaultHealthTTL,
		logger:  logging.Op(),
	}
	for i := 0; i < len(opts); i++ {
		opts[i](r)
	}
	return r
}

// RegisterOption configures one registration.
type RegisterOption func(*registryEntry)

// WithProviderHealthTTL overrides the snapshot TTL for this provider only.
func WithProviderHealthTTL(d time.Duration) RegisterOption {
	return func(e *registryEntry) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// Register adds or replaces a provider. Replacing drops the cached health
// snapshot so the next lookup probes the new instance.
func (r *Registry) Register(p Provider, opts ...RegisterOption) {
	e := &registryEntry{provider: p, ttl: r.ttl}
	for i := 0; i < len(opts); i++ {
		opts[i](e)
	}
	r.mu.Lock()
	r.entries[p.ID()] = e
	r.mu.Unlock()
	r.logger.Info("provider registered", "provider", p.ID(), "kind", p.Info().Kind)
}

// Deregister removes a provider. Closing, when the provider supports it,
// is the caller's responsibility.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		r.logger.Info("provider deregistered", "provider", id)
	}
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return e.provider, nil
}

// List returns all registered providers sorted by ID.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	out := make([]Provider, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.provider)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Health returns the cached snapshot for id, probing synchronously only
// when no snapshot exists yet. A stale snapshot is returned immediately
// while one refresh runs in the background; concurrent callers share that
// refresh.
func (r *Registry) Health(ctx context.Context, id string) HealthSnapshot {
	r.mu.RLock()
	e, ok := r.entries[id]
	var snap HealthSnapshot
	var checked, fresh bool
	if ok {
		snap = e.snapshot
		checked = e.checked
		fresh = checked && time.Since(e.fetchedAt) < e.ttl
	}
	r.mu.RUnlock()

	if !ok {
		return HealthSnapshot{State: HealthUnknown, Reason: "provider not registered", CheckedAt: time.Now().UTC()}
	}
	if fresh {
		return snap
	}
	if checked {
		go r.refresh(id)
		return snap
	}

	done := make(chan HealthSnapshot, 1)
	go func() { done <- r.refresh(id) }()
	select {
	case s := <-done:
		return s
	case <-ctx.Done():
		return HealthSnapshot{State: HealthUnknown, Reason: ctx.Err().Error(), CheckedAt: time.Now().UTC()}
	}
}

// HealthAll returns the current snapshot for every registered provider.
func (r *Registry) HealthAll(ctx context.Context) map[string]HealthSnapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make(map[string]HealthSnapshot, len(ids))
	for i := 0; i < len(ids); i++ {
		out[ids[i]] = r.Health(ctx, ids[i])
	}
	return out
}

// Describe returns the controlplane view of every provider.
func (r *Registry) Describe(ctx context.Context) []Description {
	providers := r.List()
	out := make([]Description, 0, len(providers))
	for i := 0; i < len(providers); i++ {
		p := providers[i]
		out = append(out, Description{
			ID:           p.ID(),
			Info:         p.Info(),
			Capabilities: p.Capabilities(),
			Health:       r.Health(ctx, p.ID()),
		})
	}
	return out
}

// refresh probes one provider and caches the result. Concurrent refreshes
// for the same provider collapse into one probe.
func (r *Registry) refresh(id string) HealthSnapshot {
	v, _, _ := r.group.Do(id, func() (any, error) {
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()
		if !ok {
			return HealthSnapshot{State: HealthUnknown, Reason: "provider not registered", CheckedAt: time.Now().UTC()}, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		snap := probe(ctx, e.provider)
		cancel()

		r.mu.Lock()
		if cur, ok := r.entries[id]; ok && cur == e {
			cur.snapshot = snap
			cur.checked = true
			cur.fetchedAt = time.Now()
		}
		r.mu.Unlock()

		if snap.State == HealthUnhealthy {
			r.logger.Warn("provider unhealthy", "provider", id, "reason", snap.Reason)
		}
		return snap, nil
	})
	return v.(HealthSnapshot)
}

// probe calls Health and normalizes the snapshot. A panicking provider is
// reported unhealthy rather than taking the registry down with it.
func probe(ctx context.Context, p Provider) (snap HealthSnapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			snap = HealthSnapshot{
				State:      HealthUnhealthy,
				Reason:     fmt.Sprintf("health check panic: %v", rec),
				CheckedAt:  time.Now().UTC(),
				LoadFactor: -1,
			}
		}
	}()
	snap = p.Health(ctx)
	if snap.State == "" {
		snap.State = HealthUnknown
	}
	if snap.CheckedAt.IsZero() {
		snap.CheckedAt = time.Now().UTC()
	}
	return snap
}
