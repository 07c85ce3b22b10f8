package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces helios cache entries so the keyspace can be
// shared with the rate limiter on the same Redis.
const DefaultKeyPrefix = "helios:cache:"

// RedisCache is the shared cache tier. Every node resolving the same
// model or tenant reads the same record, so a manifest registered on one
// node is visible to the rest of the fleet within one cache TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisCacheConfig holds connection settings for a dedicated client.
type RedisCacheConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // defaults to DefaultKeyPrefix
}

// NewRedisCache connects a new client for the cache.
func NewRedisCache(cfg RedisCacheConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisCacheFromClient(client, cfg.KeyPrefix)
}

// NewRedisCacheFromClient reuses an existing client, typically the one
// the daemon already holds for rate limiting and invalidation pub/sub.
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
