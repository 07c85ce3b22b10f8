package selection

import (
	"sort"
	"sync"
	"time"
)

const (
	// latencyWindow is how far back dispatch samples inform the ranking.
	latencyWindow = 5 * time.Minute

	// maxSamples bounds per-provider memory; beyond it the oldest
	// samples roll off even inside the window.
	maxSamples = 4096
)

type latencySample struct {
	at time.Time
	ms int64
}

// LatencyStats summarizes one provider's recent dispatch latencies.
type LatencyStats struct {
	ProviderID string `json:"provider_id"`
	Samples    int    `json:"samples"`
	P50Ms      int64  `json:"p50_ms"`
	P95Ms      int64  `json:"p95_ms"`
	MaxMs      int64  `json:"max_ms"`
}

// LatencyTracker keeps a rolling window of per-provider dispatch
// latencies and answers percentile queries over that window. The
// orchestrator records a sample after every dispatch attempt that
// reached the provider; selection reads P95 when ranking.
type LatencyTracker struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	samples map[string][]latencySample

	now func() time.Time
}

// NewLatencyTracker returns a tracker with the standard 5-minute window.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		window:  latencyWindow,
		max:     maxSamples,
		samples: make(map[string][]latencySample),
		now:     time.Now,
	}
}

// Record adds one dispatch latency observation for the provider.
func (t *LatencyTracker) Record(providerID string, d time.Duration) {
	if providerID == "" || d < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.prune(providerID)
	s = append(s, latencySample{at: t.now(), ms: d.Milliseconds()})
	if len(s) > t.max {
		s = s[len(s)-t.max:]
	}
	t.samples[providerID] = s
}

// P95 returns the provider's 95th percentile latency over the window.
// ok is false when no samples remain in the window.
func (t *LatencyTracker) P95(providerID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.prune(providerID)
	if len(s) == 0 {
		delete(t.samples, providerID)
		return 0, false
	}
	t.samples[providerID] = s

	sorted := make([]int64, len(s))
	for i := range s {
		sorted[i] = s[i].ms
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return time.Duration(percentile(sorted, 0.95)) * time.Millisecond, true
}

// Snapshot reports current window stats for every tracked provider,
// sorted by provider ID. Providers whose samples all expired are
// dropped from the snapshot and the tracker.
func (t *LatencyTracker) Snapshot() []LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.samples))
	for id := range t.samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]LatencyStats, 0, len(ids))
	for _, id := range ids {
		s := t.prune(id)
		if len(s) == 0 {
			delete(t.samples, id)
			continue
		}
		t.samples[id] = s

		sorted := make([]int64, len(s))
		for i := range s {
			sorted[i] = s[i].ms
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		out = append(out, LatencyStats{
			ProviderID: id,
			Samples:    len(sorted),
			P50Ms:      percentile(sorted, 0.50),
			P95Ms:      percentile(sorted, 0.95),
			MaxMs:      sorted[len(sorted)-1],
		})
	}
	return out
}

// prune drops samples older than the window. Samples arrive in time
// order, so the survivors are a suffix. Caller holds t.mu.
func (t *LatencyTracker) prune(providerID string) []latencySample {
	s := t.samples[providerID]
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(s) && !s[i].at.After(cutoff) {
		i++
	}
	return s[i:]
}

// percentile reads the q-th quantile from an ascending-sorted slice.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
