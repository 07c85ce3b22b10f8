package runner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/metrics"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/tenant"
)

const (
	DefaultCapacity      = 10
	DefaultIdleTTL       = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// closeGrace bounds how long an async eviction waits for in-flight
	// sessions before force-closing them.
	closeGrace = 30 * time.Second
)

var ErrClosed = errors.New("runner: pool closed")

// Options tunes the warm pool.
type Options struct {
	Capacity      int
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type entry struct {
	runner   Runner
	lastUsed time.Time
}

// Pool caches initialized runners keyed by (tenant, model, kind). Misses
// cold-start through the builder, deduplicated per key so a burst of
// requests for the same pair shares one initialization. Entries idle past
// the TTL are swept every few minutes; overflow evicts least recently
// used first.
type Pool struct {
	builder Builder
	opts    Options

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool

	group  singleflight.Group
	stop   chan struct{}
	logger *slog.Logger
}

// NewPool builds a warm pool and starts its sweeper.
func NewPool(builder Builder, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	p := &Pool{
		builder: builder,
		opts:    opts,
		entries: make(map[Key]*entry),
		stop:    make(chan struct{}),
		logger:  logging.Op().With("component", "runner_pool"),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns the runner for the manifest and provider, cold-starting
// on a miss. The second return reports a warm hit. Warm runners are
// pinged first; one that fails its ping is discarded and replaced.
func (p *Pool) Acquire(ctx context.Context, m *domain.ModelManifest, prov provider.Provider) (Runner, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	modelID := m.ID
	if modelID == "" {
		modelID = m.Name
	}
	key := Key{
		TenantID: tenant.FromContext(ctx).TenantID,
		ModelID:  modelID,
		Kind:     prov.Info().Kind,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		r := e.runner
		p.mu.Unlock()
		switch {
		case r.ProviderID() != prov.ID():
			// Same kind, different instance: the cached runner must not
			// shadow the one selection asked for.
			p.Evict(key)
		case r.Ping(ctx) != nil:
			p.logger.Warn("warm runner failed ping, replacing",
				"key", key.String(), "provider", r.ProviderID())
			metrics.Global().RecordRunnerCrashed()
			p.Evict(key)
		default:
			return r, true, nil
		}
	} else {
		p.mu.Unlock()
	}

	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		r, err := p.builder.Build(ctx, key, m, prov)
		if err != nil {
			return nil, err
		}
		p.insert(key, r)
		return r, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(Runner), false, nil
}

func (p *Pool) insert(key Key, r Runner) {
	var evicted []Runner
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeAsync(r, "pool closed during init")
		return
	}
	for len(p.entries) >= p.opts.Capacity {
		victim, ok := p.oldestLocked()
		if !ok {
			break
		}
		evicted = append(evicted, p.entries[victim].runner)
		delete(p.entries, victim)
	}
	p.entries[key] = &entry{runner: r, lastUsed: time.Now()}
	p.mu.Unlock()

	for i := 0; i < len(evicted); i++ {
		p.logger.Info("evicting runner at capacity", "key", evicted[i].Key().String())
		p.closeAsync(evicted[i], "capacity")
	}
	p.updateGauge()
}

// oldestLocked picks the eviction victim: the least recently used idle
// entry, falling back to the least recently used overall when every
// entry is busy.
func (p *Pool) oldestLocked() (Key, bool) {
	var (
		bestKey  Key
		bestTime time.Time
		found    bool
	)
	for k, e := range p.entries {
		if e.runner.Busy() {
			continue
		}
		if !found || e.lastUsed.Before(bestTime) {
			bestKey, bestTime, found = k, e.lastUsed, true
		}
	}
	if found {
		return bestKey, true
	}
	for k, e := range p.entries {
		if !found || e.lastUsed.Before(bestTime) {
			bestKey, bestTime, found = k, e.lastUsed, true
		}
	}
	return bestKey, found
}

// Evict removes and closes one runner. It reports whether the key was
// present.
func (p *Pool) Evict(key Key) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.closeAsync(e.runner, "evicted")
	p.updateGauge()
	return true
}

// EvictModel removes every runner serving the model, across tenants and
// kinds. The controlplane calls it when a manifest changes.
func (p *Pool) EvictModel(modelID string) int {
	var victims []Runner
	p.mu.Lock()
	for k, e := range p.entries {
		if k.ModelID == modelID {
			victims = append(victims, e.runner)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for i := 0; i < len(victims); i++ {
		p.closeAsync(victims[i], "manifest changed")
	}
	if len(victims) > 0 {
		p.updateGauge()
	}
	return len(victims)
}

func (p *Pool) closeAsync(r Runner, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := r.Close(ctx); err != nil {
			p.logger.Warn("close runner", "key", r.Key().String(), "reason", reason, "error", err)
		}
		metrics.Global().RecordRunnerStopped()
	}()
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes runners idle past the TTL. Busy runners are skipped; a
// long-running stream keeps its runner alive.
func (p *Pool) sweep() {
	now := time.Now()
	var victims []Runner
	p.mu.Lock()
	for k, e := range p.entries {
		if e.runner.Busy() {
			continue
		}
		if now.Sub(e.lastUsed) > p.opts.IdleTTL {
			victims = append(victims, e.runner)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for i := 0; i < len(victims); i++ {
		p.closeAsync(victims[i], "idle")
	}
	if len(victims) > 0 {
		p.logger.Info("swept idle runners", "count", len(victims))
		p.updateGauge()
	}
}

// RunnerStats describes one cached runner for the stats endpoints.
type RunnerStats struct {
	Key         string          `json:"key"`
	ProviderID  string          `json:"provider_id"`
	Busy        bool            `json:"busy"`
	IdleSeconds float64         `json:"idle_seconds"`
	AgeSeconds  float64         `json:"age_seconds"`
	Sessions    []session.Stats `json:"sessions,omitempty"`
}

// PoolStats is the warm pool's live state.
type PoolStats struct {
	Size     int           `json:"size"`
	Capacity int           `json:"capacity"`
	IdleTTL  string        `json:"idle_ttl"`
	Runners  []RunnerStats `json:"runners"`
}

// Stats snapshots the pool, sorted by key for stable output.
func (p *Pool) Stats() PoolStats {
	now := time.Now()
	p.mu.Lock()
	runners := make([]RunnerStats, 0, len(p.entries))
	for k, e := range p.entries {
		runners = append(runners, RunnerStats{
			Key:         k.String(),
			ProviderID:  e.runner.ProviderID(),
			Busy:        e.runner.Busy(),
			IdleSeconds: now.Sub(e.lastUsed).Seconds(),
			AgeSeconds:  now.Sub(e.runner.CreatedAt()).Seconds(),
			Sessions:    e.runner.Sessions(),
		})
	}
	p.mu.Unlock()

	sort.Slice(runners, func(i, j int) bool { return runners[i].Key < runners[j].Key })
	return PoolStats{
		Size:     len(runners),
		Capacity: p.opts.Capacity,
		IdleTTL:  p.opts.IdleTTL.String(),
		Runners:  runners,
	}
}

// Close stops the sweeper and closes every runner, waiting for each
// drain. Safe to call more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	runners := make([]Runner, 0, len(p.entries))
	for _, e := range p.entries {
		runners = append(runners, e.runner)
	}
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()
	close(p.stop)

	var firstErr error
	for i := 0; i < len(runners); i++ {
		if err := runners[i].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.Global().RecordRunnerStopped()
	}
	p.updateGauge()
	return firstErr
}

func (p *Pool) updateGauge() {
	type occupancy struct{ idle, busy int }
	byModel := make(map[string]*occupancy)
	p.mu.Lock()
	for k, e := range p.entries {
		o := byModel[k.ModelID]
		if o == nil {
			o = &occupancy{}
			byModel[k.ModelID] = o
		}
		if e.runner.Busy() {
			o.busy++
		} else {
			o.idle++
		}
	}
	p.mu.Unlock()
	for model, o := range byModel {
		metrics.SetWarmPoolSize(model, o.idle, o.busy)
	}
}
