package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ConsecutiveFailures: 3,
		FailureRate:         0.5,
		WindowSize:          10,
		OpenDuration:        5 * time.Second,
		HalfOpenProbes:      2,
		SuccessThreshold:    2,
	}
}

// fakeClock advances the breaker's view of time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withClock(b *Breaker) *fakeClock {
	c := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = c.now
	return c
}

func TestClosedAllows(t *testing.T) {
	b := New("p1", testConfig())
	if b == nil {
		t.Fatal("expected breaker for valid config")
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestInvalidConfigDisables(t *testing.T) {
	if b := New("p1", Config{}); b != nil {
		t.Fatal("expected nil breaker for zero config")
	}
	if b := New("p1", Config{FailureRate: 0.5, OpenDuration: time.Second}); b != nil {
		t.Fatal("rate condition without a window should be invalid")
	}
	if b := New("p1", Config{ConsecutiveFailures: 3}); b != nil {
		t.Fatal("missing open duration should be invalid")
	}
}

func TestTripsOnConsecutiveFailures(t *testing.T) {
	b := New("p1", testConfig())
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("2 failures should not trip, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}
}

func TestSuccessResetsConsecutiveRun(t *testing.T) {
	b := New("p1", Config{ConsecutiveFailures: 3, OpenDuration: time.Second})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("interrupted run should not trip, got %v", b.State())
	}
}

func TestTripsOnWindowRate(t *testing.T) {
	cfg := testConfig()
	cfg.ConsecutiveFailures = 0 // isolate the rate condition
	b := New("p1", cfg)

	// Alternate so no consecutive run forms: 5 fail / 5 ok = 0.5.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		b.RecordSuccess()
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("window not full, should stay closed, got %v", b.State())
	}
	b.RecordFailure() // window now full at exactly 50%
	if b.State() != StateOpen {
		t.Fatalf("expected open at 50%% over full window, got %v", b.State())
	}
}

func TestRateNeedsFullWindow(t *testing.T) {
	b := New("p1", Config{FailureRate: 0.5, WindowSize: 10, OpenDuration: time.Second})
	// 100% failures but only 9 outcomes observed.
	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	if b.State() == StateOpen {
		t.Fatal("tripped before the window was full")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected trip once the window filled")
	}
}

func TestOpenRejectionCarriesRecoveryEstimate(t *testing.T) {
	b := New("p1", testConfig())
	clock := withClock(b)
	b.Trip("maintenance")

	clock.advance(2 * time.Second)
	if b.Allow() {
		t.Fatal("expected rejection while open")
	}
	rej := b.Rejection()
	if !errors.Is(rej, ErrOpen) {
		t.Fatal("rejection should match ErrOpen")
	}
	if rej.EstimatedRecovery != 3*time.Second {
		t.Fatalf("estimated recovery = %v, want 3s", rej.EstimatedRecovery)
	}
}

func TestHalfOpenProbeCap(t *testing.T) {
	b := New("p1", testConfig())
	clock := withClock(b)
	b.Trip("test")
	clock.advance(6 * time.Second)

	if !b.Allow() || !b.Allow() {
		t.Fatal("should admit HalfOpenProbes probes")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("third concurrent probe should be rejected")
	}
	// A resolved probe frees its slot.
	b.RecordSuccess()
	if !b.Allow() {
		t.Fatal("slot should free after a probe resolves")
	}
}

func TestClosesAfterSuccessThreshold(t *testing.T) {
	b := New("p1", testConfig())
	clock := withClock(b)
	b.Trip("test")
	clock.advance(6 * time.Second)

	b.Allow()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success of two should stay half_open, got %v", b.State())
	}
	b.Allow()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after threshold successes, got %v", b.State())
	}
	snap := b.Stats()
	if snap.WindowFill != 0 || snap.ConsecutiveFailures != 0 {
		t.Fatalf("counters should reset on close: %+v", snap)
	}
}

func TestReopensOnFailedProbe(t *testing.T) {
	b := New("p1", testConfig())
	clock := withClock(b)
	b.Trip("test")
	clock.advance(6 * time.Second)

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
	// Timer restarted: still open just before a fresh OpenDuration.
	clock.advance(4 * time.Second)
	if b.Allow() {
		t.Fatal("recovery timer should restart on reopen")
	}
}

var (
	errIgnored = errors.New("caller cancelled")
	errCounted = errors.New("provider exploded")
)

func TestShouldTripPredicateFilters(t *testing.T) {
	cfg := testConfig()
	cfg.ShouldTrip = func(err error) bool {
		return !errors.Is(err, errIgnored)
	}
	b := New("p1", cfg)
	for i := 0; i < 10; i++ {
		b.Record(errIgnored)
	}
	if b.State() != StateClosed {
		t.Fatalf("excluded errors must not trip, got %v", b.State())
	}
	b.Record(errCounted)
	b.Record(errCounted)
	b.Record(errCounted)
	if b.State() != StateOpen {
		t.Fatalf("counted errors should trip, got %v", b.State())
	}
}

func TestManualTripAndReset(t *testing.T) {
	b := New("p1", testConfig())
	b.Trip("drain")
	if b.State() != StateOpen {
		t.Fatalf("expected open after Trip, got %v", b.State())
	}
	if got := b.Stats().TripReason; got != "manual: drain" {
		t.Fatalf("trip reason = %q", got)
	}
	b.Reset()
	if b.State() != StateClosed || !b.Allow() {
		t.Fatal("expected closed and allowing after Reset")
	}
}

func TestDoWrapsOutcome(t *testing.T) {
	b := New("p1", Config{ConsecutiveFailures: 1, OpenDuration: time.Minute})
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do success: %v", err)
	}
	if err := b.Do(func() error { return errCounted }); !errors.Is(err, errCounted) {
		t.Fatalf("Do should surface fn error, got %v", err)
	}
	err := b.Do(func() error { return nil })
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError rejection, got %v", err)
	}
}

func TestOnStateChangeFires(t *testing.T) {
	b := New("p1", Config{ConsecutiveFailures: 1, OpenDuration: time.Minute})
	var got []string
	b.OnStateChange(func(name string, from, to State, reason string) {
		got = append(got, from.String()+">"+to.String())
	})
	b.RecordFailure()
	b.Reset()
	if len(got) != 2 || got[0] != "closed>open" || got[1] != "open>closed" {
		t.Fatalf("transitions = %v", got)
	}
}

func TestRegistryCreatesOnDemand(t *testing.T) {
	r := NewRegistry()
	cfg := testConfig()

	b1 := r.Get("openai", cfg)
	if b1 == nil {
		t.Fatal("expected non-nil breaker")
	}
	b2 := r.Get("openai", cfg)
	if b1 != b2 {
		t.Fatal("expected same instance for same provider")
	}
	if b := r.Get("bad", Config{}); b != nil {
		t.Fatal("expected nil for invalid config")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	cfg := testConfig()
	r.Get("openai", cfg)
	r.Get("bedrock", cfg).Trip("test")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap["openai"].State != "closed" {
		t.Fatalf("openai = %+v", snap["openai"])
	}
	if snap["bedrock"].State != "open" || snap["bedrock"].Trips != 1 {
		t.Fatalf("bedrock = %+v", snap["bedrock"])
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
