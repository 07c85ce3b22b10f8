package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultLocalTTL bounds how stale the local tier may serve a record
// after another node changed it, when no invalidation signal arrives.
const DefaultLocalTTL = 10 * time.Second

// TieredCache layers a node-local cache over the shared Redis cache.
// Manifest and tenant reads hit the local tier first; on a miss the
// shared tier is consulted and a hit is promoted locally with a short
// TTL. Writes and deletes go to both tiers, and the Invalidator evicts
// local entries when a peer node publishes a change.
type TieredCache struct {
	local    Cache
	shared   Cache
	localTTL time.Duration
}

// NewTieredCache combines a local and a shared cache. localTTL caps the
// local promotion lifetime; zero or negative selects DefaultLocalTTL.
func NewTieredCache(local, shared Cache, localTTL time.Duration) *TieredCache {
	if localTTL <= 0 {
		localTTL = DefaultLocalTTL
	}
	return &TieredCache{local: local, shared: shared, localTTL: localTTL}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := t.local.Get(ctx, key); err == nil {
		return val, nil
	}

	val, err := t.shared.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	// Promote so the next few reads of this model or tenant stay local.
	_ = t.local.Set(ctx, key, val, t.localTTL)
	return val, nil
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.local.Set(ctx, key, value, t.localTTL)
	return t.shared.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.local.Delete(ctx, key)
	return t.shared.Delete(ctx, key)
}

func (t *TieredCache) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := t.local.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return t.shared.Exists(ctx, key)
}

// Ping reports healthy only when both tiers respond; the readiness
// handler treats a failing shared tier as degraded, not down.
func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.local.Ping(ctx); err != nil {
		return err
	}
	return t.shared.Ping(ctx)
}

func (t *TieredCache) Close() error {
	lerr := t.local.Close()
	serr := t.shared.Close()
	return errors.Join(lerr, serr)
}
