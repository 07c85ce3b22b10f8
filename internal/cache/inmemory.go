package cache

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often the janitor drops expired entries. Entries
// are also checked on read, so the sweep only bounds memory held by keys
// nobody asks for anymore (removed models, rotated API keys).
const sweepInterval = 30 * time.Second

// InMemoryCache is the node-local cache backend. It serves as the default
// when no Redis is configured and as the L1 tier in front of one. Values
// are copied on both write and read so callers can mutate their slices.
type InMemoryCache struct {
	mu     sync.RWMutex
	data   map[string]memoryEntry
	closed bool
	stop   chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// NewInMemoryCache creates an in-memory cache and starts its janitor.
func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		data: make(map[string]memoryEntry),
		stop: make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || !entry.live(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.data[key] = entry
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	return ok && entry.live(time.Now()), nil
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

// size reports how many entries are held, expired or not.
func (c *InMemoryCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the janitor and drops all entries. Writes after Close are
// silently discarded; reads miss.
func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.data = nil
	close(c.stop)
	return nil
}

func (c *InMemoryCache) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.data {
				if !entry.live(now) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
