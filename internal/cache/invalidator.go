package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/helioslabs/helios/internal/logging"
)

// InvalidationChannel is the Redis pub/sub channel carrying cache
// eviction signals. The payload is the bare cache key (as built by
// ManifestKey and friends, without the Redis prefix). A node that
// registers or removes a manifest publishes here; every subscribed
// node drops the key from its local tier immediately instead of
// serving the stale record until the local TTL runs out.
const InvalidationChannel = "helios:cache:invalidate"

// Invalidator subscribes to InvalidationChannel and evicts signalled
// keys from the local cache tier. It also publishes signals for this
// node's own writes; the manifest registry holds it as its
// InvalidationPublisher.
type Invalidator struct {
	local  Cache
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator builds an invalidator evicting from local, usually the
// in-memory tier under a TieredCache.
func NewInvalidator(local Cache, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
		logger: logging.Op().With("component", "cache"),
	}
}

// Start subscribes and blocks evicting keys until the context is
// cancelled or Close is called. Run it on its own goroutine.
func (inv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		cancel()
		return
	}
	inv.cancel = cancel
	inv.mu.Unlock()

	pubsub := inv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			if err := inv.local.Delete(subCtx, msg.Payload); err != nil {
				inv.logger.Warn("invalidation evict failed", "key", msg.Payload, "error", err)
				continue
			}
			inv.logger.Debug("evicted on peer signal", "key", msg.Payload)
		}
	}
}

// PublishInvalidation broadcasts that key changed so peers evict it.
func (inv *Invalidator) PublishInvalidation(ctx context.Context, key string) error {
	return inv.client.Publish(ctx, InvalidationChannel, key).Err()
}

// Close stops the subscription loop.
func (inv *Invalidator) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	if inv.cancel != nil {
		inv.cancel()
	}
	return nil
}
