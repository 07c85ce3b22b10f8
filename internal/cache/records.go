package cache

import (
	"context"
	"time"

	"github.com/helioslabs/helios/internal/domain"
)

// Typed accessors for the records the request path resolves. They pin
// the JSON encoding and key layout in one place so every node, and the
// invalidation channel, agree on what lives under a given key.

// GetManifest returns the cached resolution of a model name in the given
// tenant scope, or ErrNotFound.
func GetManifest(ctx context.Context, c Cache, tenantID, name string) (*domain.ModelManifest, error) {
	var m domain.ModelManifest
	if err := GetJSON(ctx, c, ManifestKey(tenantID, name), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PutManifest caches a resolved manifest under the name it resolved
// from, which may be an alias or name:version rather than m.Name.
func PutManifest(ctx context.Context, c Cache, tenantID, name string, m *domain.ModelManifest, ttl time.Duration) error {
	return SetJSON(ctx, c, ManifestKey(tenantID, name), m, ttl)
}

// DeleteManifest evicts one cached resolution.
func DeleteManifest(ctx context.Context, c Cache, tenantID, name string) error {
	return c.Delete(ctx, ManifestKey(tenantID, name))
}
