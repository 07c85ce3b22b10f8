package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Helios metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	requestsTotal         *prometheus.CounterVec
	failuresTotal         *prometheus.CounterVec
	warmHitsTotal         prometheus.Counter
	coldDispatchesTotal   prometheus.Counter
	chunksTotal           *prometheus.CounterVec
	promptTokensTotal     *prometheus.CounterVec
	completionTokensTotal *prometheus.CounterVec
	runnersStarted        prometheus.Counter
	runnersStopped        prometheus.Counter
	runnersCrashed        prometheus.Counter
	sessionsReused        prometheus.Counter

	// Histograms
	requestDuration    *prometheus.HistogramVec
	dispatchDuration   *prometheus.HistogramVec
	firstChunkDuration *prometheus.HistogramVec
	sessionAcquireWait *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	warmPool        *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	sessionPool     *prometheus.GaugeVec
	activeRequests  prometheus.Gauge
	activeStreams   prometheus.Gauge
	providerHealth  *prometheus.GaugeVec

	// Admission control
	rateLimitedTotal       *prometheus.CounterVec
	rateLimitFailOpenTotal prometheus.Counter
	shedTotal              *prometheus.CounterVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for end-to-end request duration (in milliseconds)
var defaultBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inference requests",
			},
			[]string{"model", "provider", "status"},
		),

		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Total failed inference requests by error type",
			},
			[]string{"type"},
		),

		warmHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_hits_total",
				Help:      "Total requests served from a warm runner",
			},
		),

		coldDispatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_dispatches_total",
				Help:      "Total requests that required a cold runner spin-up",
			},
		),

		chunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Total streamed chunks emitted",
			},
			[]string{"model"},
		),

		promptTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prompt_tokens_total",
				Help:      "Total prompt tokens processed",
			},
			[]string{"model"},
		),

		completionTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_tokens_total",
				Help:      "Total completion tokens generated",
			},
			[]string{"model"},
		),

		runnersStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runners_started_total",
				Help:      "Total runners started",
			},
		),

		runnersStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runners_stopped_total",
				Help:      "Total runners stopped",
			},
		),

		runnersCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runners_crashed_total",
				Help:      "Total runners that exited unexpectedly",
			},
		),

		sessionsReused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_reused_total",
				Help:      "Total provider sessions reused from the pool",
			},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "End-to-end duration of inference requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"model", "provider", "warm"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_milliseconds",
				Help:      "Duration of the provider dispatch phase in milliseconds",
				Buckets:   buckets,
			},
			[]string{"provider"},
		),

		firstChunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "first_chunk_milliseconds",
				Help:      "Time to first streamed chunk in milliseconds",
				Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"model", "provider"},
		),

		sessionAcquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_acquire_wait_milliseconds",
				Help:      "Time spent waiting to acquire a pooled session in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 500, 1000, 5000},
			},
			[]string{"provider"},
		),

		warmPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "warm_pool_size",
				Help:      "Current warm runner pool size by model and state",
			},
			[]string{"model", "state"},
		),

		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_ratio",
				Help:      "Warm pool utilization ratio (busy / total) by model",
			},
			[]string{"model"},
		),

		sessionPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_pool_size",
				Help:      "Current session pool size by provider and state",
			},
			[]string{"provider", "state"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently active inference requests",
			},
		),

		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Number of currently open streaming responses",
			},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health",
				Help:      "Provider health status (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"provider"},
		),

		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by rate limiting",
			},
			[]string{"tier"},
		),

		rateLimitFailOpenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_fail_open_total",
				Help:      "Rate-limit checks that errored and were allowed through",
			},
		),

		shedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shed_total",
				Help:      "Requests shed before dispatch",
			},
			[]string{"reason"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"name", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since Helios daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.failuresTotal,
		pm.warmHitsTotal,
		pm.coldDispatchesTotal,
		pm.chunksTotal,
		pm.promptTokensTotal,
		pm.completionTokensTotal,
		pm.runnersStarted,
		pm.runnersStopped,
		pm.runnersCrashed,
		pm.sessionsReused,
		pm.requestDuration,
		pm.dispatchDuration,
		pm.firstChunkDuration,
		pm.sessionAcquireWait,
		pm.uptime,
		pm.warmPool,
		pm.poolUtilization,
		pm.sessionPool,
		pm.activeRequests,
		pm.activeStreams,
		pm.providerHealth,
		pm.rateLimitedTotal,
		pm.rateLimitFailOpenTotal,
		pm.shedTotal,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusInference records an inference request in Prometheus collectors
func RecordPrometheusInference(s InferenceSample) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !s.Success {
		status = "failed"
	}
	promMetrics.requestsTotal.WithLabelValues(s.Model, s.ProviderID, status).Inc()

	if s.WarmHit {
		promMetrics.warmHitsTotal.Inc()
	} else {
		promMetrics.coldDispatchesTotal.Inc()
	}

	warmLabel := "false"
	if s.WarmHit {
		warmLabel = "true"
	}
	promMetrics.requestDuration.WithLabelValues(s.Model, s.ProviderID, warmLabel).Observe(float64(s.DurationMs))

	if s.PromptTokens > 0 {
		promMetrics.promptTokensTotal.WithLabelValues(s.Model).Add(float64(s.PromptTokens))
	}
	if s.CompletionTokens > 0 {
		promMetrics.completionTokensTotal.WithLabelValues(s.Model).Add(float64(s.CompletionTokens))
	}
}

// RecordPrometheusFailure records a failed request by error type
func RecordPrometheusFailure(errType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.failuresTotal.WithLabelValues(errType).Inc()
}

// RecordPrometheusChunk records a streamed chunk emission
func RecordPrometheusChunk(model string) {
	if promMetrics == nil {
		return
	}
	promMetrics.chunksTotal.WithLabelValues(model).Inc()
}

// RecordPrometheusRunnerStarted records a runner start in Prometheus
func RecordPrometheusRunnerStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.runnersStarted.Inc()
}

// RecordPrometheusRunnerStopped records a runner stop in Prometheus
func RecordPrometheusRunnerStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.runnersStopped.Inc()
}

// RecordPrometheusRunnerCrashed records a runner crash in Prometheus
func RecordPrometheusRunnerCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.runnersCrashed.Inc()
}

// RecordPrometheusSessionReuse records a pooled session reuse in Prometheus
func RecordPrometheusSessionReuse() {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsReused.Inc()
}

// SetWarmPoolSize sets the current warm pool size for a model
func SetWarmPoolSize(model string, idle, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.warmPool.WithLabelValues(model, "idle").Set(float64(idle))
	promMetrics.warmPool.WithLabelValues(model, "busy").Set(float64(busy))

	// Calculate and set utilization ratio
	total := idle + busy
	if total > 0 {
		promMetrics.poolUtilization.WithLabelValues(model).Set(float64(busy) / float64(total))
	}
}

// SetSessionPoolSize sets the current session pool size for a provider
func SetSessionPoolSize(provider string, idle, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionPool.WithLabelValues(provider, "idle").Set(float64(idle))
	promMetrics.sessionPool.WithLabelValues(provider, "busy").Set(float64(busy))
}

// RecordDispatchDuration records the provider dispatch phase duration
func RecordDispatchDuration(provider string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchDuration.WithLabelValues(provider).Observe(float64(durationMs))
}

// RecordFirstChunk records time to first streamed chunk
func RecordFirstChunk(model, provider string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.firstChunkDuration.WithLabelValues(model, provider).Observe(durationMs)
}

// RecordSessionAcquireWait records time spent waiting for a pooled session
func RecordSessionAcquireWait(provider string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionAcquireWait.WithLabelValues(provider).Observe(float64(waitMs))
}

// IncActiveRequests increments the active requests gauge
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests gauge
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// IncActiveStreams increments the active streams gauge
func IncActiveStreams() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeStreams.Inc()
}

// DecActiveStreams decrements the active streams gauge
func DecActiveStreams() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeStreams.Dec()
}

// SetProviderHealth sets the health gauge for a provider.
// status: 0=unhealthy, 1=degraded, 2=healthy
func SetProviderHealth(provider string, status int) {
	if promMetrics == nil {
		return
	}
	promMetrics.providerHealth.WithLabelValues(provider).Set(float64(status))
}

// RecordPrometheusRateLimited records a rate-limited request
func RecordPrometheusRateLimited(tier string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitedTotal.WithLabelValues(tier).Inc()
}

// RecordPrometheusRateLimitFailOpen records a fail-open rate-limit check
func RecordPrometheusRateLimitFailOpen() {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitFailOpenTotal.Inc()
}

// RecordPrometheusShed records a shed request
func RecordPrometheusShed(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.shedTotal.WithLabelValues(reason).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(name string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition
func RecordCircuitBreakerTrip(name, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(name, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
