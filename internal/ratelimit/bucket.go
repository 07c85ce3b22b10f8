// Package ratelimit provides the admission limiters used on the
// inference dataplane: an in-process token bucket, an in-process
// sliding window, and a distributed per-tenant limiter backed by Redis
// with a local fallback.
package ratelimit

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits up to capacity requests in a burst and refills the
// full capacity over one refill period. TryAcquire never blocks.
type TokenBucket struct {
	capacity int
	period   time.Duration
	lim      *rate.Limiter

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewTokenBucket builds a bucket holding capacity tokens, refilled at
// capacity tokens per period.
func NewTokenBucket(capacity int, period time.Duration) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %d", capacity)
	}
	if period <= 0 {
		return nil, fmt.Errorf("ratelimit: refill period must be positive, got %v", period)
	}
	refill := rate.Limit(float64(capacity) / period.Seconds())
	return &TokenBucket{
		capacity: capacity,
		period:   period,
		lim:      rate.NewLimiter(refill, capacity),
	}, nil
}

// Allow is TryAcquire(1).
func (b *TokenBucket) Allow() bool { return b.TryAcquire(1) }

// TryAcquire takes n tokens if available. Requests for more than the
// bucket can ever hold are rejected immediately without touching state.
func (b *TokenBucket) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	if n > b.capacity {
		b.rejected.Add(1)
		return false
	}
	if b.lim.AllowN(time.Now(), n) {
		b.allowed.Add(1)
		return true
	}
	b.rejected.Add(1)
	return false
}

// TimeUntilAvailable returns how long until n tokens could be acquired.
// ok is false when n exceeds capacity and so can never be satisfied.
// The query does not consume tokens.
func (b *TokenBucket) TimeUntilAvailable(n int) (wait time.Duration, ok bool) {
	if n <= 0 {
		return 0, true
	}
	if n > b.capacity {
		return 0, false
	}
	now := time.Now()
	r := b.lim.ReserveN(now, n)
	if !r.OK() {
		return 0, false
	}
	wait = r.DelayFrom(now)
	r.CancelAt(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Available returns the tokens currently in the bucket.
func (b *TokenBucket) Available() float64 {
	return b.lim.TokensAt(time.Now())
}

// Capacity returns the configured burst size.
func (b *TokenBucket) Capacity() int { return b.capacity }

// BucketStats is a point-in-time view for metrics and the stats endpoint.
type BucketStats struct {
	Capacity  int     `json:"capacity"`
	Available float64 `json:"available"`
	Allowed   uint64  `json:"allowed"`
	Rejected  uint64  `json:"rejected"`
}

// Stats snapshots the bucket counters.
func (b *TokenBucket) Stats() BucketStats {
	return BucketStats{
		Capacity:  b.capacity,
		Available: b.Available(),
		Allowed:   b.allowed.Load(),
		Rejected:  b.rejected.Load(),
	}
}
