package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TimeSeriesBucket stores metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Requests     int64
	Errors       int64
	TotalLatency int64
	Tokens       int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes Helios runtime metrics
type Metrics struct {
	// Request metrics
	TotalRequests    atomic.Int64
	SuccessRequests  atomic.Int64
	FailedRequests   atomic.Int64
	WarmHits         atomic.Int64
	ColdDispatches   atomic.Int64
	StreamedRequests atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Token metrics
	PromptTokens     atomic.Int64
	CompletionTokens atomic.Int64
	ChunksStreamed   atomic.Int64

	// Runner metrics
	RunnersStarted atomic.Int64
	RunnersStopped atomic.Int64
	RunnersCrashed atomic.Int64
	SessionsReused atomic.Int64

	// Admission metrics
	RateLimited       atomic.Int64
	RateLimitFailOpen atomic.Int64
	Shed              atomic.Int64

	// Per-model metrics
	modelMetrics sync.Map // model -> *ModelMetrics

	// Time-series data (hourly buckets for last 24 hours)
	timeSeriesMu sync.RWMutex
	timeSeries   []*TimeSeriesBucket

	startTime time.Time
}

// ModelMetrics tracks metrics for a single model
type ModelMetrics struct {
	Requests         atomic.Int64
	Successes        atomic.Int64
	Failures         atomic.Int64
	WarmHits         atomic.Int64
	ColdDispatches   atomic.Int64
	PromptTokens     atomic.Int64
	CompletionTokens atomic.Int64
	TotalMs          atomic.Int64
	MinMs            atomic.Int64
	MaxMs            atomic.Int64
}

// InferenceSample describes one completed inference request for recording.
type InferenceSample struct {
	Model            string
	ProviderID       string
	DurationMs       int64
	WarmHit          bool
	Success          bool
	Streamed         bool
	PromptTokens     int64
	CompletionTokens int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.initTimeSeries()
}

// initTimeSeries initializes time series buckets for the last 24 hours
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)
	m.timeSeries = make([]*TimeSeriesBucket, 24)
	for i := 0; i < 24; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-23) * time.Hour),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordInference records a completed inference request
func (m *Metrics) RecordInference(s InferenceSample) {
	m.TotalRequests.Add(1)

	if s.Success {
		m.SuccessRequests.Add(1)
	} else {
		m.FailedRequests.Add(1)
	}

	if s.WarmHit {
		m.WarmHits.Add(1)
	} else {
		m.ColdDispatches.Add(1)
	}

	if s.Streamed {
		m.StreamedRequests.Add(1)
	}

	m.TotalLatencyMs.Add(s.DurationMs)
	updateMin(&m.MinLatencyMs, s.DurationMs)
	updateMax(&m.MaxLatencyMs, s.DurationMs)

	m.PromptTokens.Add(s.PromptTokens)
	m.CompletionTokens.Add(s.CompletionTokens)

	// Per-model metrics
	mm := m.getModelMetrics(s.Model)
	mm.Requests.Add(1)
	if s.Success {
		mm.Successes.Add(1)
	} else {
		mm.Failures.Add(1)
	}
	if s.WarmHit {
		mm.WarmHits.Add(1)
	} else {
		mm.ColdDispatches.Add(1)
	}
	mm.PromptTokens.Add(s.PromptTokens)
	mm.CompletionTokens.Add(s.CompletionTokens)
	mm.TotalMs.Add(s.DurationMs)
	updateMin(&mm.MinMs, s.DurationMs)
	updateMax(&mm.MaxMs, s.DurationMs)

	// Time series recording
	m.recordTimeSeries(s.DurationMs, s.PromptTokens+s.CompletionTokens, !s.Success)

	// Prometheus bridge
	RecordPrometheusInference(s)
}

// recordTimeSeries adds a request to the current time bucket
func (m *Metrics) recordTimeSeries(durationMs, tokens int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		hoursDiff := int(now.Sub(lastBucket.Timestamp).Hours())

		if hoursDiff > 0 {
			// Rotate buckets
			if hoursDiff >= 24 {
				// Reset all buckets
				m.timeSeries = make([]*TimeSeriesBucket, 24)
				for i := 0; i < 24; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-23) * time.Hour),
					}
				}
			} else {
				// Shift and add new buckets
				m.timeSeries = m.timeSeries[hoursDiff:]
				for i := 0; i < hoursDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * time.Hour),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Requests++
		bucket.TotalLatency += durationMs
		bucket.Tokens += tokens
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordChunk records a streamed chunk being emitted
func (m *Metrics) RecordChunk(model string) {
	m.ChunksStreamed.Add(1)
	RecordPrometheusChunk(model)
}

// RecordRunnerStarted records a new runner spin-up
func (m *Metrics) RecordRunnerStarted() {
	m.RunnersStarted.Add(1)
	RecordPrometheusRunnerStarted()
}

// RecordRunnerStopped records a runner being stopped
func (m *Metrics) RecordRunnerStopped() {
	m.RunnersStopped.Add(1)
	RecordPrometheusRunnerStopped()
}

// RecordRunnerCrashed records a runner crash
func (m *Metrics) RecordRunnerCrashed() {
	m.RunnersCrashed.Add(1)
	RecordPrometheusRunnerCrashed()
}

// RecordSessionReuse records a session being reused instead of created fresh
func (m *Metrics) RecordSessionReuse() {
	m.SessionsReused.Add(1)
	RecordPrometheusSessionReuse()
}

// RecordRateLimited records a request rejected by rate limiting
func RecordRateLimited(tier string) {
	global.RateLimited.Add(1)
	RecordPrometheusRateLimited(tier)
}

// RecordRateLimitFailOpen records a rate-limit check that failed and was
// allowed through
func RecordRateLimitFailOpen() {
	global.RateLimitFailOpen.Add(1)
	RecordPrometheusRateLimitFailOpen()
}

// RecordShed records a request shed before dispatch
func RecordShed(reason string) {
	global.Shed.Add(1)
	RecordPrometheusShed(reason)
}

func (m *Metrics) getModelMetrics(model string) *ModelMetrics {
	if v, ok := m.modelMetrics.Load(model); ok {
		return v.(*ModelMetrics)
	}

	mm := &ModelMetrics{}
	mm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.modelMetrics.LoadOrStore(model, mm)
	return actual.(*ModelMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalRequests.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"requests": map[string]interface{}{
			"total":    total,
			"success":  m.SuccessRequests.Load(),
			"failed":   m.FailedRequests.Load(),
			"warm":     m.WarmHits.Load(),
			"cold":     m.ColdDispatches.Load(),
			"streamed": m.StreamedRequests.Load(),
			"warm_pct": warmHitPercentage(m.WarmHits.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"tokens": map[string]interface{}{
			"prompt":     m.PromptTokens.Load(),
			"completion": m.CompletionTokens.Load(),
			"chunks":     m.ChunksStreamed.Load(),
		},
		"runners": map[string]interface{}{
			"started":         m.RunnersStarted.Load(),
			"stopped":         m.RunnersStopped.Load(),
			"crashed":         m.RunnersCrashed.Load(),
			"sessions_reused": m.SessionsReused.Load(),
		},
		"admission": map[string]interface{}{
			"rate_limited":         m.RateLimited.Load(),
			"rate_limit_fail_open": m.RateLimitFailOpen.Load(),
			"shed":                 m.Shed.Load(),
		},
	}

	return result
}

// ModelStats returns per-model metrics
func (m *Metrics) ModelStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.modelMetrics.Range(func(key, value interface{}) bool {
		model := key.(string)
		mm := value.(*ModelMetrics)

		total := mm.Requests.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(mm.TotalMs.Load()) / float64(total)
		}

		minMs := mm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[model] = map[string]interface{}{
			"requests":          total,
			"successes":         mm.Successes.Load(),
			"failures":          mm.Failures.Load(),
			"warm_hits":         mm.WarmHits.Load(),
			"cold_dispatches":   mm.ColdDispatches.Load(),
			"prompt_tokens":     mm.PromptTokens.Load(),
			"completion_tokens": mm.CompletionTokens.Load(),
			"avg_ms":            avgMs,
			"min_ms":            minMs,
			"max_ms":            mm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["models"] = m.ModelStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns the time-series data for the last 24 hours
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"requests":     bucket.Requests,
			"errors":       bucket.Errors,
			"tokens":       bucket.Tokens,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func warmHitPercentage(warm, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(warm) / float64(total) * 100
}
