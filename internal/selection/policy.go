// Package selection ranks candidate (provider, runner kind) pairs for a
// request against the manifest it resolved to. Scoring is additive over
// a fixed factor set; the orchestrator walks the ranked list and falls
// back candidate by candidate.
package selection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/provider"
)

// Factor weights. Totals floor at zero.
const (
	pointsPreferredDevice = 50
	pointsNativeFormat    = 30
	pointsLatencyUnder    = 25
	pointsResourcesFit    = 20
	pointsHealthy         = 15
	pointsDegraded        = 5
	pointsCostCPU         = 10
	pointsLowLoad         = 10
	pointsHighLoad        = -20

	lowLoadThreshold  = 0.7
	highLoadThreshold = 0.9
)

// Factor names as they appear in score breakdowns.
const (
	FactorPreferredDevice = "preferred_device"
	FactorNativeFormat    = "native_format"
	FactorLatency         = "p95_under_timeout"
	FactorResources       = "resources"
	FactorHealth          = "health"
	FactorCostCPU         = "cost_sensitive_cpu"
	FactorLoad            = "load"
)

// DefaultDispatchTimeout bounds one dispatch attempt when the request
// does not set inference_timeout_ms.
const DefaultDispatchTimeout = 120 * time.Second

// Candidate is one ranked placement choice, best first in Rank output.
type Candidate struct {
	Provider   provider.Provider
	RunnerKind string
	Health     provider.HealthSnapshot
	Score      int
}

// Factor is one line of a score breakdown. Points may be negative.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Score explains how one candidate ranked. Total floors at zero, so the
// factor points may sum below it.
type Score struct {
	ProviderID string               `json:"provider_id"`
	RunnerKind string               `json:"runner_kind"`
	Health     provider.HealthState `json:"health"`
	Total      int                  `json:"total"`
	Factors    []Factor             `json:"factors"`
}

// Exclusion names a candidate removed before scoring and why.
type Exclusion struct {
	ProviderID string `json:"provider_id"`
	RunnerKind string `json:"runner_kind,omitempty"`
	Reason     string `json:"reason"`
}

// Explanation is the controlplane debugging view of one ranking run.
type Explanation struct {
	Model      string      `json:"model"`
	TimeoutMs  int64       `json:"timeout_ms"`
	BestEffort bool        `json:"best_effort,omitempty"`
	Ranked     []Score     `json:"ranked"`
	Excluded   []Exclusion `json:"excluded,omitempty"`
	Resources  Resources   `json:"resources"`
}

// Policy scores and ranks providers for a request. Safe for concurrent
// use.
type Policy struct {
	registry  *provider.Registry
	latency   *LatencyTracker
	resources ResourceProbe
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithResourceProbe sets the node free-capacity source. Without one the
// node reports no capacity and the resource factor only awards points
// to manifests without resource hints.
func WithResourceProbe(pr ResourceProbe) Option {
	return func(p *Policy) {
		if pr != nil {
			p.resources = pr
		}
	}
}

// WithDefaultTimeout overrides the dispatch timeout assumed for requests
// that set no inference_timeout_ms.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPolicy builds the standard scoring policy over the registry. The
// tracker may be shared with the orchestrator that feeds it.
func NewPolicy(reg *provider.Registry, lat *LatencyTracker, opts ...Option) *Policy {
	p := &Policy{
		registry:  reg,
		latency:   lat,
		resources: StaticProbe(Resources{}),
		timeout:   DefaultDispatchTimeout,
		logger:    logging.Op().With("component", "selection"),
	}
	for i := 0; i < len(opts); i++ {
		opts[i](p)
	}
	return p
}

// Rank returns the scored candidates for req against m, best first.
// Candidates with unhealthy providers are dropped unless every candidate
// is unhealthy; the ranking then covers all of them so the orchestrator
// can still try. An empty result is a capacity error.
func (p *Policy) Rank(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest) ([]Candidate, error) {
	ranked, _, err := p.rank(ctx, req, m)
	return ranked, err
}

// Explain runs the same ranking as Rank and returns the full breakdown,
// including excluded candidates. Exposed on the controlplane for
// debugging placement decisions.
func (p *Policy) Explain(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest) (*Explanation, error) {
	_, ex, err := p.rank(ctx, req, m)
	if ex == nil {
		return nil, err
	}
	return ex, err
}

type scored struct {
	Candidate
	factors []Factor
}

func (p *Policy) rank(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest) ([]Candidate, *Explanation, error) {
	if m == nil {
		return nil, nil, domain.NewError(domain.ErrTypeInternal, "selection requires a manifest")
	}
	timeout := req.Params.Timeout(p.timeout)
	free := p.resources.FreeResources(ctx)

	ex := &Explanation{
		Model:     m.Name,
		TimeoutMs: timeout.Milliseconds(),
		Resources: free,
	}

	var healthy, unhealthy []scored
	for _, prov := range p.eligible(m, ex) {
		caps := prov.Capabilities()
		kind := prov.Info().Kind

		if reason := hardFilter(req, m, caps); reason != "" {
			ex.Excluded = append(ex.Excluded, Exclusion{
				ProviderID: prov.ID(), RunnerKind: kind, Reason: reason,
			})
			continue
		}

		snap := p.registry.Health(ctx, prov.ID())
		c := scored{Candidate: Candidate{
			Provider:   prov,
			RunnerKind: kind,
			Health:     snap,
		}}
		if snap.State == provider.HealthUnhealthy {
			unhealthy = append(unhealthy, c)
		} else {
			healthy = append(healthy, c)
		}
	}

	pool := healthy
	if len(pool) == 0 && len(unhealthy) > 0 {
		pool = unhealthy
		ex.BestEffort = true
	}
	if len(pool) == 0 {
		return nil, ex, domain.NewError(domain.ErrTypeCapacity,
			fmt.Sprintf("no candidate runner for model %q", m.Name)).
			WithDetail("model", m.Name).
			WithDetail("excluded", len(ex.Excluded))
	}

	for i := range pool {
		pool[i].Score, pool[i].factors = p.score(req, m, pool[i].Candidate, free, timeout)
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		if pool[i].Provider.ID() != pool[j].Provider.ID() {
			return pool[i].Provider.ID() < pool[j].Provider.ID()
		}
		return pool[i].RunnerKind < pool[j].RunnerKind
	})

	ranked := make([]Candidate, len(pool))
	ex.Ranked = make([]Score, len(pool))
	for i := range pool {
		ranked[i] = pool[i].Candidate
		ex.Ranked[i] = Score{
			ProviderID: pool[i].Provider.ID(),
			RunnerKind: pool[i].RunnerKind,
			Health:     pool[i].Health.State,
			Total:      pool[i].Score,
			Factors:    pool[i].factors,
		}
	}

	p.logger.Debug("candidates ranked",
		"model", m.Name,
		"candidates", len(ranked),
		"best", ranked[0].Provider.ID(),
		"best_score", ranked[0].Score,
		"best_effort", ex.BestEffort)
	return ranked, ex, nil
}

// eligible resolves the provider set the manifest allows: the pin list
// when present, otherwise every registered provider. Pinned IDs that are
// not registered show up as exclusions.
func (p *Policy) eligible(m *domain.ModelManifest, ex *Explanation) []provider.Provider {
	if len(m.Providers) == 0 {
		return p.registry.List()
	}
	out := make([]provider.Provider, 0, len(m.Providers))
	for _, id := range m.Providers {
		prov, err := p.registry.Get(id)
		if err != nil {
			ex.Excluded = append(ex.Excluded, Exclusion{ProviderID: id, Reason: "provider not registered"})
			continue
		}
		out = append(out, prov)
	}
	return out
}

// hardFilter returns a non-empty reason when the candidate cannot serve
// the request at all, regardless of score.
func hardFilter(req *domain.InferenceRequest, m *domain.ModelManifest, caps provider.Capabilities) string {
	if m.Format != "" && !caps.CanServeFormat(m.Format) {
		return fmt.Sprintf("format %s unsupported", m.Format)
	}
	if len(m.Devices) > 0 {
		usable := false
		for _, d := range m.Devices {
			if caps.SupportsDevice(d) {
				usable = true
				break
			}
		}
		if !usable {
			return "no usable device"
		}
	}
	if req.Stream && !caps.Streaming {
		return "streaming unsupported"
	}
	return ""
}

// score applies the additive factor table to one candidate. Every
// factor appears in the breakdown, earned or not, so explain output
// shows what was missed as clearly as what was awarded.
func (p *Policy) score(req *domain.InferenceRequest, m *domain.ModelManifest, c Candidate, free Resources, timeout time.Duration) (int, []Factor) {
	caps := c.Provider.Capabilities()
	factors := make([]Factor, 0, 7)
	total := 0
	add := func(name string, points int) {
		factors = append(factors, Factor{Name: name, Points: points})
		total += points
	}

	devicePts := 0
	if m.PreferredDevice != "" && runnerDevice(caps) == m.PreferredDevice {
		devicePts = pointsPreferredDevice
	}
	add(FactorPreferredDevice, devicePts)

	formatPts := 0
	if m.Format != "" && caps.SupportsFormat(m.Format) {
		formatPts = pointsNativeFormat
	}
	add(FactorNativeFormat, formatPts)

	latencyPts := 0
	if p.latency != nil {
		if p95, ok := p.latency.P95(c.Provider.ID()); ok && p95 < timeout {
			latencyPts = pointsLatencyUnder
		}
	}
	add(FactorLatency, latencyPts)

	resourcePts := 0
	if free.Fits(m.Resources.MinMemoryMB, m.Resources.MinVRAMMB) {
		resourcePts = pointsResourcesFit
	}
	add(FactorResources, resourcePts)

	healthPts := 0
	switch c.Health.State {
	case provider.HealthHealthy:
		healthPts = pointsHealthy
	case provider.HealthDegraded:
		healthPts = pointsDegraded
	}
	add(FactorHealth, healthPts)

	costPts := 0
	if req.CostSensitive && caps.SupportsDevice(domain.DeviceCPU) {
		costPts = pointsCostCPU
	}
	add(FactorCostCPU, costPts)

	loadPts := 0
	if lf := c.Health.LoadFactor; lf >= 0 {
		switch {
		case lf < lowLoadThreshold:
			loadPts = pointsLowLoad
		case lf > highLoadThreshold:
			loadPts = pointsHighLoad
		}
	}
	add(FactorLoad, loadPts)

	if total < 0 {
		total = 0
	}
	return total, factors
}

// runnerDevice is the device a runner would actually place work on: its
// declared preference, or its only supported device.
func runnerDevice(caps provider.Capabilities) domain.Device {
	if caps.PreferredDevice != "" {
		return caps.PreferredDevice
	}
	if len(caps.Devices) == 1 {
		return caps.Devices[0]
	}
	return ""
}
