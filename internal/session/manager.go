package session

import (
	"context"
	"sort"
	"sync"
)

// PoolFactory builds the session factory for one (model, tenant) pair.
// Runners supply this so each pool creates handles bound to the right
// model state.
type PoolFactory func(modelID, tenantID string) Factory

// Manager holds one pool per (model, tenant) inside a runner.
type Manager struct {
	providerID string
	cfg        Config
	factory    PoolFactory

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewManager builds a manager whose pools share cfg.
func NewManager(providerID string, cfg Config, factory PoolFactory) *Manager {
	return &Manager{
		providerID: providerID,
		cfg:        cfg,
		factory:    factory,
		pools:      make(map[string]*Pool),
	}
}

// Pool returns the pool for the pair, creating it on first use.
func (m *Manager) Pool(ctx context.Context, modelID, tenantID string) (*Pool, error) {
	key := modelID + "\x00" + tenantID

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	if p, ok := m.pools[key]; ok {
		return p, nil
	}
	p := NewPool(ctx, modelID, tenantID, m.providerID, m.cfg, m.factory(modelID, tenantID))
	m.pools[key] = p
	return p, nil
}

// Acquire is shorthand for Pool followed by Acquire.
func (m *Manager) Acquire(ctx context.Context, modelID, tenantID string) (*Session, error) {
	p, err := m.Pool(ctx, modelID, tenantID)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a session to its pool.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	if p := m.poolOf(s); p != nil {
		p.Release(s)
		return
	}
	s.Close()
}

// Discard closes a session without offering it back to its pool.
func (m *Manager) Discard(s *Session) {
	if s == nil {
		return
	}
	if p := m.poolOf(s); p != nil {
		p.Discard(s)
		return
	}
	s.Close()
}

func (m *Manager) poolOf(s *Session) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[s.ModelID()+"\x00"+s.TenantID()]
}

// Stats returns per-pool occupancy sorted by model then tenant.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(pools))
	for i := 0; i < len(pools); i++ {
		out = append(out, pools[i].Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

// Close drains every pool. The first ctx or drain failure is returned
// but all pools are closed regardless.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	var firstErr error
	for i := 0; i < len(pools); i++ {
		if err := pools[i].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
