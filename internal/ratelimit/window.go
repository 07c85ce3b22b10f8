package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// SlidingWindow admits at most limit requests within any rolling window
// of the configured duration. Memory is bounded by limit: timestamps
// are only retained for admitted requests.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	stamps   []time.Time
	allowed  uint64
	rejected uint64

	now func() time.Time
}

// NewSlidingWindow builds a window limiter.
func NewSlidingWindow(limit int, window time.Duration) (*SlidingWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: window limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window duration must be positive, got %v", window)
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
	}, nil
}

// Allow admits the request if fewer than limit admissions happened in
// the trailing window.
func (s *SlidingWindow) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.trimLocked(now)

	if len(s.stamps) < s.limit {
		s.stamps = append(s.stamps, now)
		s.allowed++
		return true
	}
	s.rejected++
	return false
}

// TimeUntilAvailable returns how long until the next admission could
// succeed: zero when a slot is free now, otherwise the time until the
// oldest retained admission leaves the window.
func (s *SlidingWindow) TimeUntilAvailable() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.trimLocked(now)
	if len(s.stamps) < s.limit {
		return 0
	}
	return s.stamps[0].Add(s.window).Sub(now)
}

// InWindow returns the number of admissions currently inside the window.
func (s *SlidingWindow) InWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked(s.now())
	return len(s.stamps)
}

// trimLocked drops timestamps older than the window. Must be called
// under the mutex.
func (s *SlidingWindow) trimLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	copy(s.stamps, s.stamps[i:])
	s.stamps = s.stamps[:len(s.stamps)-i]
}

// WindowStats is a point-in-time view for metrics and the stats endpoint.
type WindowStats struct {
	Limit    int           `json:"limit"`
	Window   time.Duration `json:"window"`
	InWindow int           `json:"in_window"`
	Allowed  uint64        `json:"allowed"`
	Rejected uint64        `json:"rejected"`
}

// Stats snapshots the window counters.
func (s *SlidingWindow) Stats() WindowStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked(s.now())
	return WindowStats{
		Limit:    s.limit,
		Window:   s.window,
		InWindow: len(s.stamps),
		Allowed:  s.allowed,
		Rejected: s.rejected,
	}
}
