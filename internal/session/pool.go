package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/metrics"
)

const (
	DefaultMaxConcurrent  = 4
	DefaultAcquireTimeout = 5 * time.Second
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultMaxAge         = time.Hour
	DefaultDrainTimeout   = 10 * time.Second

	reapInterval = 30 * time.Second
)

var (
	// ErrPoolSaturated means every session was in use for the whole
	// acquire timeout. Callers surface it as a 503.
	ErrPoolSaturated = errors.New("session: pool saturated")

	ErrPoolClosed = errors.New("session: pool closed")
)

// Config tunes one pool. Zero fields other than Reuse fall back to the
// defaults above; a zero Reuse means sessions are single-use.
type Config struct {
	MaxConcurrent  int           `json:"max_concurrent" yaml:"maxConcurrent"`
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquireTimeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idleTimeout"`
	MaxAge         time.Duration `json:"max_age" yaml:"maxAge"`
	Reuse          bool          `json:"reuse" yaml:"reuse"`
	WarmCount      int           `json:"warm_count" yaml:"warmCount"`
	DrainTimeout   time.Duration `json:"drain_timeout" yaml:"drainTimeout"`
}

// DefaultConfig returns the standard pool tuning with reuse enabled.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  DefaultMaxConcurrent,
		AcquireTimeout: DefaultAcquireTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxAge:         DefaultMaxAge,
		Reuse:          true,
		DrainTimeout:   DefaultDrainTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.WarmCount > c.MaxConcurrent {
		c.WarmCount = c.MaxConcurrent
	}
	return c
}

// Stats is one pool's live state, for the stats endpoint.
type Stats struct {
	ModelID       string `json:"model_id"`
	TenantID      string `json:"tenant_id"`
	Live          int    `json:"live"`
	InUse         int    `json:"in_use"`
	Available     int    `json:"available"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// Pool bounds and recycles sessions for one (model, tenant) pair.
//
// Every live session owns one slot in the semaphore channel; idle
// sessions additionally sit in the available queue. The reaper only
// drains the queue, so a session a request holds can never be reaped.
type Pool struct {
	modelID    string
	tenantID   string
	providerID string
	cfg        Config
	factory    Factory

	available chan *Session
	slots     chan struct{}

	mu     sync.Mutex
	all    map[string]*Session
	closed bool

	stopReaper chan struct{}
	logger     *slog.Logger
}

// NewPool builds a pool and pre-creates cfg.WarmCount sessions. Warm
// creation is best-effort: a factory failure logs and stops warming.
func NewPool(ctx context.Context, modelID, tenantID, providerID string, cfg Config, factory Factory) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		modelID:    modelID,
		tenantID:   tenantID,
		providerID: providerID,
		cfg:        cfg,
		factory:    factory,
		available:  make(chan *Session, cfg.MaxConcurrent),
		slots:      make(chan struct{}, cfg.MaxConcurrent),
		all:        make(map[string]*Session),
		stopReaper: make(chan struct{}),
		logger: logging.Op().With(
			"component", "session_pool",
			"model", modelID,
			"tenant", tenantID,
		),
	}

	for i := 0; i < cfg.WarmCount; i++ {
		p.slots <- struct{}{}
		handle, err := factory(ctx)
		if err != nil {
			<-p.slots
			p.logger.Warn("warm session creation failed", "error", err, "warmed", i)
			break
		}
		s := newSession(modelID, tenantID, handle)
		p.mu.Lock()
		p.all[s.id] = s
		p.mu.Unlock()
		p.available <- s
	}
	p.updateGauge()

	go p.reapLoop()
	return p
}

// Acquire returns a session for exclusive use. It prefers an idle
// session, creates a new one below MaxConcurrent, and otherwise waits
// up to AcquireTimeout for a release before failing with
// ErrPoolSaturated.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		// Idle sessions first.
		select {
		case s := <-p.available:
			if p.expired(s) {
				p.retire(s, "expired")
				continue
			}
			return p.checkout(s, start, true), nil
		default:
		}

		select {
		case s := <-p.available:
			if p.expired(s) {
				p.retire(s, "expired")
				continue
			}
			return p.checkout(s, start, true), nil
		case p.slots <- struct{}{}:
			s, err := p.spawn(ctx)
			if err != nil {
				<-p.slots
				return nil, err
			}
			return p.checkout(s, start, false), nil
		case <-timer.C:
			return nil, ErrPoolSaturated
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a session after use. Expired, single-use and
// post-shutdown sessions close; the rest go back to the queue.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	s.end()

	switch {
	case p.isClosed():
		p.retire(s, "shutdown")
	case !p.cfg.Reuse:
		p.retire(s, "single_use")
	case p.expired(s):
		p.retire(s, "expired")
	default:
		select {
		case p.available <- s:
			p.updateGauge()
		default:
			// Queue full means the session was not ours to begin with.
			p.retire(s, "overflow")
		}
	}
}

// Discard closes a session without offering it back, for callers that
// observed the underlying handle fail mid-request.
func (p *Pool) Discard(s *Session) {
	if s == nil {
		return
	}
	s.end()
	p.retire(s, "discarded")
}

// Close drains the pool: idle sessions close immediately, in-use ones
// get DrainTimeout to come home through Release, stragglers are
// force-closed. Safe to call more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stopReaper)

	p.drainAvailable("shutdown")

	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		p.mu.Lock()
		remaining := len(p.all)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			p.forceClose()
			return ctx.Err()
		case <-deadline.C:
			p.forceClose()
			return nil
		case <-tick.C:
			p.drainAvailable("shutdown")
		}
	}
}

// Stats returns the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live := len(p.all)
	p.mu.Unlock()
	available := len(p.available)
	return Stats{
		ModelID:       p.modelID,
		TenantID:      p.tenantID,
		Live:          live,
		InUse:         live - available,
		Available:     available,
		MaxConcurrent: p.cfg.MaxConcurrent,
	}
}

func (p *Pool) checkout(s *Session, start time.Time, reused bool) *Session {
	s.begin()
	metrics.RecordSessionAcquireWait(p.providerID, time.Since(start).Milliseconds())
	if reused {
		metrics.Global().RecordSessionReuse()
	}
	p.updateGauge()
	return s
}

func (p *Pool) spawn(ctx context.Context) (*Session, error) {
	handle, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	s := newSession(p.modelID, p.tenantID, handle)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		return nil, ErrPoolClosed
	}
	p.all[s.id] = s
	p.mu.Unlock()
	return s, nil
}

// retire closes a session and frees its slot. Only the call that
// removes the session from the live map releases the slot, so a slot is
// never freed twice.
func (p *Pool) retire(s *Session, reason string) {
	p.mu.Lock()
	_, tracked := p.all[s.id]
	delete(p.all, s.id)
	p.mu.Unlock()

	if err := s.Close(); err != nil {
		p.logger.Warn("close session", "session_id", s.id, "reason", reason, "error", err)
	}
	if tracked {
		select {
		case <-p.slots:
		default:
		}
	}
	p.updateGauge()
}

func (p *Pool) expired(s *Session) bool {
	if p.cfg.IdleTimeout > 0 && s.IdleFor() > p.cfg.IdleTimeout {
		return true
	}
	if p.cfg.MaxAge > 0 && s.Age() > p.cfg.MaxAge {
		return true
	}
	return false
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap closes expired idle sessions. In-use sessions are not in the
// queue, so they are untouchable here.
func (p *Pool) reap() {
	var keep []*Session
	for {
		select {
		case s := <-p.available:
			if p.expired(s) {
				p.retire(s, "reaped")
			} else {
				keep = append(keep, s)
			}
			continue
		default:
		}
		break
	}
	for i := 0; i < len(keep); i++ {
		p.available <- keep[i]
	}
	p.updateGauge()
}

func (p *Pool) drainAvailable(reason string) {
	for {
		select {
		case s := <-p.available:
			p.retire(s, reason)
			continue
		default:
		}
		break
	}
}

func (p *Pool) forceClose() {
	p.mu.Lock()
	orphans := make([]*Session, 0, len(p.all))
	for _, s := range p.all {
		orphans = append(orphans, s)
	}
	p.all = make(map[string]*Session)
	p.mu.Unlock()

	for i := 0; i < len(orphans); i++ {
		orphans[i].Close()
	}
	if len(orphans) > 0 {
		p.logger.Warn("force-closed in-use sessions at drain timeout", "count", len(orphans))
	}
	p.updateGauge()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) updateGauge() {
	p.mu.Lock()
	live := len(p.all)
	p.mu.Unlock()
	available := len(p.available)
	metrics.SetSessionPoolSize(p.providerID, available, live-available)
}
