// Package cache holds the metadata read path warm: model manifests,
// tenant records, API key lookups and provider health snapshots are
// cached here so the pipeline's validate and route phases stay off the
// store on the hot path. The byte-level Cache interface has in-memory,
// Redis and tiered implementations; the typed helpers in records.go
// fix the encoding per record kind so every node caches the same bytes
// under the same key.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a byte-level key-value cache with per-entry TTL. All
// implementations are safe for concurrent use.
type Cache interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// GetJSON reads key and decodes it into v. Misses surface as
// ErrNotFound; a decode failure means a peer wrote an incompatible
// record and is reported as-is.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}
