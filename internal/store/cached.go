package store

import (
	"context"
	"sync"
	"time"

	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/tenant"
)

// cacheEntry holds a cached value with an expiration time.
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// DefaultCacheTTL is the default time-to-live for cached reads.
const DefaultCacheTTL = 5 * time.Second

// CachedStore wraps a Store and caches the reads the admission path
// performs per request: manifest resolution, API key lookup, tenant and
// runner config records. Writes invalidate the affected entries
// immediately; the short TTL bounds the inconsistency window for
// multi-node deployments and direct DB edits.
type CachedStore struct {
	Store // underlying store, uncached methods delegate here

	ttl time.Duration

	manifestByName sync.Map // "tenantID\x00name" → *cacheEntry[*domain.ModelManifest]
	manifestByID   sync.Map // "tenantID\x00id"   → *cacheEntry[*domain.ModelManifest]

	// reverse map: manifest ID → manifestByName key, for invalidation
	// when only the ID is known
	manifestIDToName sync.Map // id → string (manifestByName key)

	apiKeyByHash  sync.Map // keyHash → *cacheEntry[*auth.APIKey]
	tenants       sync.Map // tenantID → *cacheEntry[*tenant.Record]
	runnerConfigs sync.Map // "tenantID\x00kind" → *cacheEntry[*RunnerConfigRecord]
}

// NewCachedStore returns a Store caching hot-path reads.
// Pass ttl <= 0 to use the default (5s).
func NewCachedStore(underlying Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		Store: underlying,
		ttl:   ttl,
	}
}

// Underlying exposes the wrapped store.
func (c *CachedStore) Underlying() Store {
	if c == nil {
		return nil
	}
	return c.Store
}

func scopedKey(tenantID, name string) string {
	return tenantID + "\x00" + name
}

func cacheGet[T any](m *sync.Map, key string) (T, bool) {
	v, ok := m.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	entry := v.(*cacheEntry[T])
	if entry.expired() {
		m.Delete(key)
		var zero T
		return zero, false
	}
	return entry.value, true
}

func cachePut[T any](m *sync.Map, key string, value T, ttl time.Duration) {
	m.Store(key, &cacheEntry[T]{value: value, expiresAt: time.Now().Add(ttl)})
}

// ─── cached reads (hot path) ─────────────────────────────────────────────

func (c *CachedStore) GetManifestByName(ctx context.Context, name string) (*domain.ModelManifest, error) {
	scope := tenant.FromContext(ctx)
	key := scopedKey(scope.TenantID, name)
	if m, ok := cacheGet[*domain.ModelManifest](&c.manifestByName, key); ok {
		return m, nil
	}
	m, err := c.Store.GetManifestByName(ctx, name)
	if err != nil {
		return nil, err
	}
	cachePut(&c.manifestByName, key, m, c.ttl)
	idKey := scopedKey(scope.TenantID, m.ID)
	cachePut(&c.manifestByID, idKey, m, c.ttl)
	c.manifestIDToName.Store(m.ID, key)
	return m, nil
}

func (c *CachedStore) GetManifest(ctx context.Context, id string) (*domain.ModelManifest, error) {
	scope := tenant.FromContext(ctx)
	key := scopedKey(scope.TenantID, id)
	if m, ok := cacheGet[*domain.ModelManifest](&c.manifestByID, key); ok {
		return m, nil
	}
	m, err := c.Store.GetManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	cachePut(&c.manifestByID, key, m, c.ttl)
	nameKey := scopedKey(scope.TenantID, m.Name)
	cachePut(&c.manifestByName, nameKey, m, c.ttl)
	c.manifestIDToName.Store(m.ID, nameKey)
	return m, nil
}

func (c *CachedStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	if k, ok := cacheGet[*auth.APIKey](&c.apiKeyByHash, keyHash); ok {
		return k, nil
	}
	k, err := c.Store.GetAPIKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if k != nil {
		cachePut(&c.apiKeyByHash, keyHash, k, c.ttl)
	}
	return k, nil
}

func (c *CachedStore) GetTenant(ctx context.Context, id string) (*tenant.Record, error) {
	if rec, ok := cacheGet[*tenant.Record](&c.tenants, id); ok {
		return rec, nil
	}
	rec, err := c.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	cachePut(&c.tenants, id, rec, c.ttl)
	return rec, nil
}

func (c *CachedStore) GetRunnerConfig(ctx context.Context, tenantID, runnerKind string) (*RunnerConfigRecord, error) {
	key := scopedKey(tenantID, runnerKind)
	if rc, ok := cacheGet[*RunnerConfigRecord](&c.runnerConfigs, key); ok {
		return rc, nil
	}
	rc, err := c.Store.GetRunnerConfig(ctx, tenantID, runnerKind)
	if err != nil {
		return nil, err
	}
	cachePut(&c.runnerConfigs, key, rc, c.ttl)
	return rc, nil
}

// ─── write-through invalidation ──────────────────────────────────────────

func (c *CachedStore) invalidateManifest(ctx context.Context, m *domain.ModelManifest) {
	if m == nil {
		return
	}
	tenantID := m.TenantID
	if tenantID == "" {
		tenantID = tenant.FromContext(ctx).TenantID
	}
	nameKey := scopedKey(tenantID, m.Name)
	c.manifestByName.Delete(nameKey)
	c.manifestByID.Delete(scopedKey(tenantID, m.ID))
	c.manifestIDToName.Delete(m.ID)
	for _, alias := range m.Aliases {
		c.manifestByName.Delete(scopedKey(tenantID, alias))
	}
}

func (c *CachedStore) SaveManifest(ctx context.Context, m *domain.ModelManifest) error {
	err := c.Store.SaveManifest(ctx, m)
	if err == nil {
		c.invalidateManifest(ctx, m)
	}
	return err
}

func (c *CachedStore) DeleteManifest(ctx context.Context, id string) error {
	scope := tenant.FromContext(ctx)
	err := c.Store.DeleteManifest(ctx, id)
	if err == nil {
		if nameKey, ok := c.manifestIDToName.LoadAndDelete(id); ok {
			c.manifestByName.Delete(nameKey.(string))
		}
		c.manifestByID.Delete(scopedKey(scope.TenantID, id))
	}
	return err
}

func (c *CachedStore) SaveAPIKey(ctx context.Context, key *auth.APIKey) error {
	err := c.Store.SaveAPIKey(ctx, key)
	if err == nil {
		c.apiKeyByHash.Delete(key.KeyHash)
	}
	return err
}

func (c *CachedStore) DeleteAPIKey(ctx context.Context, name string) error {
	// The hash is not known from the name alone; fetch before deleting so
	// the hash-keyed entry can be dropped too.
	if key, err := c.Store.GetAPIKeyByName(ctx, name); err == nil && key != nil {
		c.apiKeyByHash.Delete(key.KeyHash)
	}
	return c.Store.DeleteAPIKey(ctx, name)
}

func (c *CachedStore) SaveTenant(ctx context.Context, rec *tenant.Record) error {
	err := c.Store.SaveTenant(ctx, rec)
	if err == nil && rec != nil {
		c.tenants.Delete(rec.ID)
	}
	return err
}

func (c *CachedStore) DeleteTenant(ctx context.Context, id string) error {
	err := c.Store.DeleteTenant(ctx, id)
	if err == nil {
		c.tenants.Delete(id)
	}
	return err
}

func (c *CachedStore) SaveRunnerConfig(ctx context.Context, rc *RunnerConfigRecord) error {
	err := c.Store.SaveRunnerConfig(ctx, rc)
	if err == nil && rc != nil {
		c.runnerConfigs.Delete(scopedKey(rc.TenantID, rc.RunnerKind))
	}
	return err
}

func (c *CachedStore) DeleteRunnerConfig(ctx context.Context, tenantID, runnerKind string) error {
	err := c.Store.DeleteRunnerConfig(ctx, tenantID, runnerKind)
	if err == nil {
		c.runnerConfigs.Delete(scopedKey(tenantID, runnerKind))
	}
	return err
}
