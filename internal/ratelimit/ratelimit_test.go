package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	b, err := NewTokenBucket(5, time.Minute)
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should pass within burst", i)
		}
	}
	if b.Allow() {
		t.Fatal("6th request should be rejected, bucket drained")
	}
	stats := b.Stats()
	if stats.Allowed != 5 || stats.Rejected != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTokenBucketOversizedRequest(t *testing.T) {
	b, err := NewTokenBucket(3, time.Second)
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	if b.TryAcquire(4) {
		t.Fatal("request larger than capacity must fail immediately")
	}
	// The oversized request must not consume any state.
	if !b.TryAcquire(3) {
		t.Fatal("full burst should still be available")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	// 10 tokens per 100ms = one token every 10ms.
	b, err := NewTokenBucket(10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	if !b.TryAcquire(10) {
		t.Fatal("burst should drain")
	}
	if b.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("at least one token should have refilled")
	}
}

func TestTokenBucketTimeUntilAvailable(t *testing.T) {
	b, err := NewTokenBucket(2, time.Second)
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	if wait, ok := b.TimeUntilAvailable(2); !ok || wait != 0 {
		t.Fatalf("full bucket: wait=%v ok=%v, want 0 true", wait, ok)
	}
	if _, ok := b.TimeUntilAvailable(3); ok {
		t.Fatal("n > capacity must report not satisfiable")
	}
	b.TryAcquire(2)
	wait, ok := b.TimeUntilAvailable(1)
	if !ok {
		t.Fatal("1 token is satisfiable")
	}
	if wait <= 0 || wait > 600*time.Millisecond {
		t.Fatalf("wait = %v, want ~500ms", wait)
	}
	// Probing must not consume future tokens.
	wait2, _ := b.TimeUntilAvailable(1)
	if wait2 > wait+50*time.Millisecond {
		t.Fatalf("probe consumed tokens: %v then %v", wait, wait2)
	}
}

func TestNewTokenBucketRejectsBadConfig(t *testing.T) {
	if _, err := NewTokenBucket(0, time.Second); err == nil {
		t.Fatal("zero capacity should error")
	}
	if _, err := NewTokenBucket(5, 0); err == nil {
		t.Fatal("zero period should error")
	}
}

func TestSlidingWindowLimit(t *testing.T) {
	s, err := NewSlidingWindow(3, time.Minute)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !s.Allow() {
			t.Fatalf("request %d should pass", i)
		}
	}
	if s.Allow() {
		t.Fatal("4th request inside window should be rejected")
	}
	if got := s.InWindow(); got != 3 {
		t.Fatalf("InWindow = %d, want 3", got)
	}

	// Slide past the first admission only.
	now = now.Add(time.Minute + time.Second)
	if got := s.InWindow(); got != 0 {
		t.Fatalf("InWindow after expiry = %d, want 0", got)
	}
	if !s.Allow() {
		t.Fatal("request after window slid should pass")
	}
}

func TestSlidingWindowPartialExpiry(t *testing.T) {
	s, err := NewSlidingWindow(2, 10*time.Second)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	s.Allow() // t=0
	now = now.Add(6 * time.Second)
	s.Allow() // t=6
	if s.Allow() {
		t.Fatal("window full")
	}
	if wait := s.TimeUntilAvailable(); wait != 4*time.Second {
		t.Fatalf("TimeUntilAvailable = %v, want 4s", wait)
	}
	now = now.Add(5 * time.Second) // t=11: first admission expired
	if !s.Allow() {
		t.Fatal("slot should free as oldest admission leaves the window")
	}
	if s.Allow() {
		t.Fatal("second slot still occupied until t=16")
	}
}

func TestSlidingWindowMemoryBounded(t *testing.T) {
	s, err := NewSlidingWindow(5, time.Hour)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}
	for i := 0; i < 10000; i++ {
		s.Allow()
	}
	if got := len(s.stamps); got > 5 {
		t.Fatalf("retained %d stamps, limit is 5", got)
	}
	st := s.Stats()
	if st.Allowed != 5 || st.Rejected != 9995 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestLocalBackendRefill(t *testing.T) {
	l := NewLocalBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.CheckRateLimit(ctx, "k", 3, 100, 1)
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, remaining, err := l.CheckRateLimit(ctx, "k", 3, 100, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Fatal("bucket should be empty")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	time.Sleep(20 * time.Millisecond) // 100/s refills ~2 tokens
	allowed, _, _ = l.CheckRateLimit(ctx, "k", 3, 100, 1)
	if !allowed {
		t.Fatal("bucket should have refilled")
	}
}

// failingBackend always errors, standing in for an unreachable Redis.
type failingBackend struct{ calls int }

func (f *failingBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	f.calls++
	return false, 0, context.DeadlineExceeded
}

func TestFallbackDegradesToLocal(t *testing.T) {
	primary := &failingBackend{}
	fb := NewFallbackBackend(primary)
	ctx := context.Background()

	allowed, _, err := fb.CheckRateLimit(ctx, "k", 10, 1, 1)
	if err != nil {
		t.Fatalf("fallback should swallow primary error, got %v", err)
	}
	if !allowed {
		t.Fatal("local fallback should admit within burst")
	}
	if !fb.Degraded() {
		t.Fatal("backend should report degraded")
	}

	// Subsequent checks stay local without hammering the primary.
	before := primary.calls
	for i := 0; i < 5; i++ {
		fb.CheckRateLimit(ctx, "k", 10, 1, 1)
	}
	if primary.calls != before {
		t.Fatalf("primary called %d more times while degraded", primary.calls-before)
	}
}

func TestLimiterTierFallback(t *testing.T) {
	l := New(NewLocalBackend(), map[string]TierConfig{
		"enterprise": {RequestsPerSecond: 100, BurstSize: 200},
	}, TierConfig{RequestsPerSecond: 1, BurstSize: 2})
	ctx := context.Background()

	// Unknown tier uses the default burst of 2.
	r1, err := l.Allow(ctx, "t1", "unknown")
	if err != nil || !r1.Allowed {
		t.Fatalf("first default-tier request: %+v err=%v", r1, err)
	}
	l.Allow(ctx, "t1", "unknown")
	r3, _ := l.Allow(ctx, "t1", "unknown")
	if r3.Allowed {
		t.Fatal("default tier burst of 2 should be exhausted")
	}
	if r3.ResetAt.Before(time.Now()) {
		t.Fatal("ResetAt should be in the future for a drained bucket")
	}

	// Enterprise tier has its own bucket and large burst.
	re, err := l.Allow(ctx, "t2", "enterprise")
	if err != nil || !re.Allowed {
		t.Fatalf("enterprise request: %+v err=%v", re, err)
	}
}
