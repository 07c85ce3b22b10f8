// Package dataplane serves the inference path: completions in blocking,
// SSE and WebSocket form, plus the health probes and observability
// reads a fleet scheduler needs.
package dataplane

import (
	"context"
	"net/http"
	"time"

	"github.com/helioslabs/helios/internal/cache"
	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/metrics"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/store"
)

// Handler handles data plane HTTP requests. Store and Cache are nil
// when the daemon runs without postgres/redis; the probes and log
// queries degrade accordingly.
type Handler struct {
	NodeID    string
	Kernel    *kernel.Kernel
	Models    *manifest.Registry
	Providers *provider.Registry
	Orch      *orchestrator.Orchestrator
	Pool      *runner.Pool
	Store     store.Store
	Cache     cache.Cache
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Inference
	mux.HandleFunc("POST /v1/infer", h.Infer)
	mux.HandleFunc("POST /v1/infer/stream", h.InferStream)
	mux.HandleFunc("GET /v1/infer/ws", h.InferWS)

	// Health probes
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)

	// Observability
	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())

	// Inference log
	mux.HandleFunc("GET /v1/inferences", h.Inferences)
	mux.HandleFunc("GET /v1/inferences/{run_id}", h.InferenceByRun)
}

// Health handles GET /health, the detailed component status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	components := map[string]any{}

	if h.Store != nil {
		err := h.Store.Ping(ctx)
		components["store"] = err == nil
		if err != nil {
			status = "degraded"
		}
	}
	if h.Cache != nil {
		err := h.Cache.Ping(ctx)
		components["cache"] = err == nil
		if err != nil {
			status = "degraded"
		}
	}

	healthy := 0
	descs := h.Providers.Describe(ctx)
	for _, d := range descs {
		if d.Health.State != provider.HealthUnhealthy {
			healthy++
		}
	}
	components["providers"] = map[string]int{
		"total":   len(descs),
		"serving": healthy,
	}
	if healthy == 0 && len(descs) > 0 {
		status = "degraded"
	}

	ps := h.Pool.Stats()
	components["pool"] = map[string]int{
		"size":     ps.Size,
		"capacity": ps.Capacity,
	}

	if h.Kernel.Draining() {
		status = "draining"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"node_id":        h.NodeID,
		"components":     components,
		"uptime_seconds": int64(time.Since(metrics.StartTime()).Seconds()),
	})
}

// HealthLive handles GET /health/live, the liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready. Ready means the store (when
// configured) answers and at least one provider can serve.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.Kernel.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "node is draining",
		})
		return
	}

	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  "store unavailable: " + err.Error(),
			})
			return
		}
	}

	serving := 0
	for _, d := range h.Providers.Describe(ctx) {
		if d.Health.State != provider.HealthUnhealthy {
			serving++
		}
	}
	if serving == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "no provider can serve",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Stats handles GET /stats, the one-call operational summary.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	models, err := h.Models.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	ps := h.Pool.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.NodeID,
		"uptime_seconds": int64(time.Since(metrics.StartTime()).Seconds()),
		"models":         len(models),
		"providers":      len(h.Providers.List()),
		"live_runs":      len(h.Kernel.Runs()),
		"orchestrator":   h.Orch.Stats(),
		"pool": map[string]any{
			"size":     ps.Size,
			"capacity": ps.Capacity,
			"idle_ttl": ps.IdleTTL,
		},
	})
}
