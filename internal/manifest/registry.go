package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/helios/internal/cache"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/tenant"
)

// ErrModelNotFound is returned when no manifest resolves the requested
// model name. The validate phase maps it to a VALIDATION error.
var ErrModelNotFound = fmt.Errorf("manifest: model not found")

// DefaultCacheTTL bounds how long a resolved manifest may be served from
// the shared cache before the store is consulted again.
const DefaultCacheTTL = 30 * time.Second

// Store is the subset of the metadata store the registry needs.
type Store interface {
	SaveManifest(ctx context.Context, m *domain.ModelManifest) error
	GetManifest(ctx context.Context, id string) (*domain.ModelManifest, error)
	GetManifestByName(ctx context.Context, name string) (*domain.ModelManifest, error)
	ListManifests(ctx context.Context) ([]*domain.ModelManifest, error)
	DeleteManifest(ctx context.Context, id string) error
}

// InvalidationPublisher broadcasts a cache key eviction to other nodes.
// *cache.Invalidator satisfies it.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// Registry resolves model names to manifests. Resolution order: manifests
// loaded from YAML files on this node, the shared cache, then the store.
// File-loaded manifests are node-local configuration and are never
// written to the store.
type Registry struct {
	store     Store
	cache     cache.Cache
	publisher InvalidationPublisher
	ttl       time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	local []*domain.ModelManifest
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache attaches a shared cache for resolved manifests.
func WithCache(c cache.Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithCacheTTL overrides the resolved-manifest cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithInvalidationPublisher broadcasts manifest changes so peer nodes
// drop their cached copies immediately.
func WithInvalidationPublisher(p InvalidationPublisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// NewRegistry creates a manifest registry over the given store. The
// store may be nil for a purely file-backed catalog.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    DefaultCacheTTL,
		logger: logging.Op(),
	}
	for i := 0; i < len(opts); i++ {
		opts[i](r)
	}
	return r
}

// LoadFile loads all model specs from one YAML file into the local
// catalog. Returns how many manifests were loaded.
func (r *Registry) LoadFile(path string) (int, error) {
	multi, err := ParseFile(path)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for i := 0; i < len(multi.Models); i++ {
		spec := multi.Models[i]
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		m, err := spec.ToManifest(id)
		if err != nil {
			return loaded, fmt.Errorf("%s: model %q: %w", path, spec.Name, err)
		}
		r.mu.Lock()
		r.local = append(r.local, m)
		r.mu.Unlock()
		loaded++
		r.logger.Info("loaded model manifest", "model", m.Name, "format", string(m.Format), "file", path)
	}
	return loaded, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, in lexical order.
// A missing directory is not an error; it just loads nothing.
func (r *Registry) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read manifest dir: %w", err)
	}

	var files []string
	for i := 0; i < len(entries); i++ {
		name := entries[i].Name()
		if entries[i].IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	total := 0
	for i := 0; i < len(files); i++ {
		n, err := r.LoadFile(files[i])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Resolve maps a model name, alias, id, or name:version to a manifest.
func (r *Registry) Resolve(ctx context.Context, name string) (*domain.ModelManifest, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}

	r.mu.RLock()
	for i := 0; i < len(r.local); i++ {
		if r.local[i].ResolvesTo(name) {
			m := r.local[i]
			r.mu.RUnlock()
			return m, nil
		}
	}
	r.mu.RUnlock()

	scope := tenant.FromContext(ctx)

	if r.cache != nil {
		if m, err := cache.GetManifest(ctx, r.cache, scope.TenantID, name); err == nil {
			return m, nil
		}
	}

	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	m, err := r.store.GetManifestByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	if r.cache != nil {
		if err := cache.PutManifest(ctx, r.cache, scope.TenantID, name, m, r.ttl); err != nil {
			r.logger.Warn("manifest cache set failed", "model", name, "error", err)
		}
	}
	return m, nil
}

// List returns the full catalog visible in the current tenant scope:
// file-loaded manifests first, then store manifests not shadowed by a
// local one with the same name.
func (r *Registry) List(ctx context.Context) ([]*domain.ModelManifest, error) {
	r.mu.RLock()
	out := make([]*domain.ModelManifest, len(r.local))
	copy(out, r.local)
	r.mu.RUnlock()

	seen := make(map[string]bool, len(out))
	for i := 0; i < len(out); i++ {
		seen[out[i].Name] = true
	}

	if r.store != nil {
		stored, err := r.store.ListManifests(ctx)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(stored); i++ {
			if !seen[stored[i].Name] {
				out = append(out, stored[i])
				seen[stored[i].Name] = true
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Register validates and persists a manifest, then evicts any cached
// resolutions for its name, id, and aliases.
func (r *Registry) Register(ctx context.Context, m *domain.ModelManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if r.store == nil {
		return fmt.Errorf("manifest: no store configured")
	}
	if err := r.store.SaveManifest(ctx, m); err != nil {
		return err
	}
	r.evict(ctx, m)
	r.logger.Info("registered model manifest", "model", m.Name, "id", m.ID)
	return nil
}

// Remove deletes a stored manifest by id and evicts its cache entries.
// File-loaded manifests cannot be removed at runtime.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if r.store == nil {
		return fmt.Errorf("manifest: no store configured")
	}
	m, err := r.store.GetManifest(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	if err := r.store.DeleteManifest(ctx, id); err != nil {
		return err
	}
	r.evict(ctx, m)
	r.logger.Info("removed model manifest", "model", m.Name, "id", m.ID)
	return nil
}

func (r *Registry) evict(ctx context.Context, m *domain.ModelManifest) {
	if r.cache == nil && r.publisher == nil {
		return
	}
	scope := tenant.FromContext(ctx)
	tenantID := m.TenantID
	if tenantID == "" {
		tenantID = scope.TenantID
	}

	names := append([]string{m.Name, m.ID}, m.Aliases...)
	if m.Version != "" {
		names = append(names, m.Name+":"+m.Version)
	}
	for i := 0; i < len(names); i++ {
		key := cache.ManifestKey(tenantID, names[i])
		if r.cache != nil {
			if err := r.cache.Delete(ctx, key); err != nil {
				r.logger.Warn("manifest cache eviction failed", "key", key, "error", err)
			}
		}
		if r.publisher != nil {
			if err := r.publisher.PublishInvalidation(ctx, key); err != nil {
				r.logger.Warn("manifest invalidation publish failed", "key", key, "error", err)
			}
		}
	}
}
