package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helioslabs/helios/internal/logging"
)

// Backend performs one atomic token bucket check for a key whose
// capacity and refill rate are decided per call (tiers can change
// without restarting the bucket).
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// tokenBucketScript atomically refills and debits one bucket.
//
// Keys: KEYS[1] = bucket key
// Args: ARGV[1] = max_tokens, ARGV[2] = refill_rate (tokens/sec),
//
//	ARGV[3] = requested, ARGV[4] = now (unix microseconds)
//
// Returns: {allowed (0/1), remaining tokens}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = max_tokens
    last_refill = now
end

local elapsed = (now - last_refill) / 1000000.0
if elapsed > 0 then
    tokens = math.min(max_tokens, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

redis.call("HMSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
local ttl = math.ceil(max_tokens / refill_rate * 2)
if ttl < 60 then ttl = 60 end
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// RedisBackend runs the token bucket in Redis so every kernel replica
// debits the same buckets.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis-backed limiter backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "helios:rl:"}
}

// CheckRateLimit performs one atomic check via the Lua script.
func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	result, err := tokenBucketScript.Run(ctx, b.client, []string{b.prefix + key},
		maxTokens, refillRate, requested, redisTimeNow(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit check: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("redis rate limit check: unexpected result length %d", len(result))
	}
	return result[0] == 1, int(result[1]), nil
}

// redisTimeNow returns microseconds for the Lua script; overridable in
// tests.
var redisTimeNow = func() int64 { return time.Now().UnixMicro() }

// LocalBackend keeps per-key buckets in process memory. It backs
// single-replica deployments and the degraded mode of FallbackBackend.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewLocalBackend creates an in-memory limiter backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{buckets: make(map[string]*localBucket)}
}

// CheckRateLimit refills and debits the named bucket.
func (l *LocalBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{tokens: float64(maxTokens), lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(maxTokens), b.tokens+elapsed*refillRate)
		b.lastRefill = now
	}

	if b.tokens >= float64(requested) {
		b.tokens -= float64(requested)
		return true, int(b.tokens), nil
	}
	return false, int(b.tokens), nil
}

// probeInterval is the minimum time between recovery probes of the
// primary backend.
const probeInterval = 5 * time.Second

// FallbackBackend degrades from a distributed primary to local buckets
// when the primary errors, probing periodically to recover distributed
// mode.
type FallbackBackend struct {
	primary   Backend
	local     *LocalBackend
	degraded  atomic.Bool
	probeMu   sync.Mutex
	lastProbe atomic.Value // time.Time
}

// NewFallbackBackend wraps primary with a local degradation path.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	fb := &FallbackBackend{primary: primary, local: NewLocalBackend()}
	fb.lastProbe.Store(time.Time{})
	return fb
}

// CheckRateLimit consults the primary, degrading to local buckets on
// error.
func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if f.degraded.Load() {
		if last, ok := f.lastProbe.Load().(time.Time); ok && time.Since(last) > probeInterval {
			go f.probeAndRecover(context.WithoutCancel(ctx))
		}
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}

	allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	if err != nil {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
		f.degraded.Store(true)
		f.lastProbe.Store(time.Now())
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}
	return allowed, remaining, nil
}

func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()

	f.lastProbe.Store(time.Now())
	_, _, err := f.primary.CheckRateLimit(ctx, "probe:health", 1000, 1000, 0)
	if err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming distributed mode")
		f.degraded.Store(false)
	}
}

// Degraded reports whether the backend is running on local buckets.
func (f *FallbackBackend) Degraded() bool { return f.degraded.Load() }
