// Package circuitbreaker implements the per-provider circuit breaker
// that keeps the dispatch loop away from failing providers.
//
// # State machine
//
//	Closed ──(trip condition)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                               │
//	  └────────────(SuccessThreshold probe successes)─────────────────┘
//	                (any probe failure) ────────────────────────► Open
//
// Two independent trip conditions are evaluated on every recorded
// failure: ConsecutiveFailures (an absolute run of failures with no
// intervening success) and FailureRate over a count window of the last
// WindowSize outcomes. The rate condition only fires once the window
// has filled, so a single early failure cannot trip a fresh breaker.
//
// # Concurrency
//
// All methods are safe for concurrent use. In HalfOpen, Allow admits at
// most HalfOpenProbes callers whose outcomes are still pending; each
// admitted caller must report via Record, RecordSuccess, or
// RecordFailure.
//
// # Invariants
//
//   - outcomes ring holds exactly the last min(WindowSize, observed)
//     outcomes; it is cleared on every transition to Closed.
//   - probesInFlight never exceeds HalfOpenProbes and resets on every
//     transition into or out of HalfOpen.
//   - openedAt restarts on re-trip, including manual Trip while open.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // requests are rejected
	StateHalfOpen              // limited probe requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is the sentinel matched by errors.Is for breaker rejections.
// The concrete value is always *OpenError.
var ErrOpen = errors.New("circuitbreaker: open")

// OpenError reports a rejection together with when the breaker expects
// to admit traffic again.
type OpenError struct {
	Name              string
	OpenedAt          time.Time
	EstimatedRecovery time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuitbreaker: %q open, estimated recovery in %s",
		e.Name, e.EstimatedRecovery.Round(time.Millisecond))
}

// Is lets errors.Is(err, ErrOpen) succeed through wrap chains.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config holds the breaker thresholds.
type Config struct {
	// ConsecutiveFailures trips after this many failures with no
	// intervening success. Zero disables this condition.
	ConsecutiveFailures int

	// FailureRate in (0,1] trips when the failure fraction over the
	// last WindowSize outcomes reaches it. Requires WindowSize > 0 and
	// only fires once the window is full. Zero disables this condition.
	FailureRate float64

	// WindowSize is the outcome count the rate condition evaluates.
	WindowSize int

	// OpenDuration is how long the breaker rejects before probing.
	OpenDuration time.Duration

	// HalfOpenProbes caps concurrently admitted probes in HalfOpen.
	// Defaults to 1.
	HalfOpenProbes int

	// SuccessThreshold is the probe successes required to close from
	// HalfOpen. Defaults to 1.
	SuccessThreshold int

	// ShouldTrip filters which errors count as failures in Record.
	// Nil counts every non-nil error.
	ShouldTrip func(error) bool
}

// Valid reports whether the config describes a breaker that can trip.
func (c Config) Valid() bool {
	hasCondition := c.ConsecutiveFailures > 0 || (c.FailureRate > 0 && c.WindowSize > 0)
	return hasCondition && c.OpenDuration > 0
}

// Breaker is a three-state circuit breaker for one provider.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	outcomes    []bool // ring, true = failure
	next        int
	filled      int
	consecFails int
	openedAt    time.Time
	tripReason  string

	probesInFlight int
	probeSuccesses int

	rejected uint64
	trips    uint64

	onChange func(name string, from, to State, reason string)
	now      func() time.Time
}

// New creates a breaker. Nil is returned when the config cannot trip,
// which callers treat as "breaker disabled".
func New(name string, cfg Config) *Breaker {
	if !cfg.Valid() {
		return nil
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	if cfg.WindowSize > 0 {
		b.outcomes = make([]bool, cfg.WindowSize)
	}
	return b
}

// Name returns the registry key of this breaker.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a callback fired (outside the lock) after
// every state transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State, reason string)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a request may proceed. An admitted HalfOpen
// caller occupies a probe slot until it records an outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	notify := b.maybeHalfOpenLocked()
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if b.probesInFlight < b.cfg.HalfOpenProbes {
			b.probesInFlight++
			allowed = true
		} else {
			b.rejected++
		}
	default:
		b.rejected++
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// Rejection builds the error surfaced to a caller Allow turned away.
func (b *Breaker) Rejection() *OpenError {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.cfg.OpenDuration - b.now().Sub(b.openedAt)
	if remaining < 0 || b.state == StateClosed {
		remaining = 0
	}
	return &OpenError{Name: b.name, OpenedAt: b.openedAt, EstimatedRecovery: remaining}
}

// Do runs fn under the breaker. Rejections return *OpenError without
// invoking fn; otherwise fn's error is recorded and returned.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return b.Rejection()
	}
	err := fn()
	b.Record(err)
	return err
}

// Record reports an outcome. Nil is a success. Errors excluded by
// ShouldTrip release any probe slot without counting either way.
func (b *Breaker) Record(err error) {
	if err == nil {
		b.RecordSuccess()
		return
	}
	if b.cfg.ShouldTrip != nil && !b.cfg.ShouldTrip(err) {
		b.mu.Lock()
		if b.state == StateHalfOpen && b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.mu.Unlock()
		return
	}
	b.RecordFailure()
}

// RecordSuccess records a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case StateClosed:
		b.consecFails = 0
		b.pushLocked(false)
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.SuccessThreshold {
			notify = b.transitionLocked(StateClosed, "probes recovered")
		}
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure records a failed outcome and evaluates the trip
// conditions.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case StateClosed:
		b.consecFails++
		b.pushLocked(true)
		if reason, trip := b.tripConditionLocked(); trip {
			notify = b.transitionLocked(StateOpen, reason)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		notify = b.transitionLocked(StateOpen, "probe failed")
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Trip forces the breaker open. A breaker that is already open restarts
// its recovery timer.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	notify := b.transitionLocked(StateOpen, "manual: "+reason)
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Reset forces the breaker closed and clears every counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionLocked(StateClosed, "manual reset")
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// State returns the current state, applying the open-duration expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	notify := b.maybeHalfOpenLocked()
	s := b.state
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return s
}

// Snapshot describes one breaker for the control plane.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFailureRate   float64   `json:"window_failure_rate"`
	WindowFill          int       `json:"window_fill"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TripReason          string    `json:"trip_reason,omitempty"`
	Rejected            uint64    `json:"rejected"`
	Trips               uint64    `json:"trips"`
}

// Stats returns a point-in-time snapshot.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecFails,
		WindowFill:          b.filled,
		TripReason:          b.tripReason,
		Rejected:            b.rejected,
		Trips:               b.trips,
	}
	if b.filled > 0 {
		s.WindowFailureRate = b.failureRateLocked()
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// pushLocked appends an outcome to the count window. Must be called under lock.
func (b *Breaker) pushLocked(failure bool) {
	if len(b.outcomes) == 0 {
		return
	}
	b.outcomes[b.next] = failure
	b.next = (b.next + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}
}

// failureRateLocked computes the failure fraction over the filled window.
func (b *Breaker) failureRateLocked() float64 {
	fails := 0
	for i := 0; i < b.filled; i++ {
		if b.outcomes[i] {
			fails++
		}
	}
	return float64(fails) / float64(b.filled)
}

// tripConditionLocked evaluates both trip conditions. Must be called under lock.
func (b *Breaker) tripConditionLocked() (string, bool) {
	if f := b.cfg.ConsecutiveFailures; f > 0 && b.consecFails >= f {
		return fmt.Sprintf("%d consecutive failures", b.consecFails), true
	}
	if b.cfg.FailureRate > 0 && len(b.outcomes) > 0 && b.filled >= len(b.outcomes) {
		if rate := b.failureRateLocked(); rate >= b.cfg.FailureRate {
			return fmt.Sprintf("failure rate %.2f over last %d outcomes", rate, b.filled), true
		}
	}
	return "", false
}

// maybeHalfOpenLocked applies the Open→HalfOpen timeout. Must be called under lock.
func (b *Breaker) maybeHalfOpenLocked() func() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		return b.transitionLocked(StateHalfOpen, "open duration elapsed")
	}
	return nil
}

// transitionLocked applies a state change and returns the deferred
// onChange notification, or nil. Must be called under lock.
func (b *Breaker) transitionLocked(to State, reason string) func() {
	from := b.state
	if from == to {
		if to == StateOpen {
			// Re-trip restarts the recovery timer.
			b.openedAt = b.now()
			b.tripReason = reason
		}
		return nil
	}
	b.state = to
	b.probesInFlight = 0
	b.probeSuccesses = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.tripReason = reason
		b.trips++
	case StateClosed:
		b.consecFails = 0
		b.filled = 0
		b.next = 0
		b.tripReason = ""
	}
	if b.onChange == nil {
		return nil
	}
	cb, name := b.onChange, b.name
	return func() { cb(name, from, to, reason) }
}
