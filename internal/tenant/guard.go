package tenant

import (
	"context"
	"fmt"
	"sync"
)

// StaticGuard enforces quotas against an in-memory tenant table. Usage
// counters reset only on restart; it is meant for single-node deployments
// and tests. Multi-node deployments should back the guard with the shared
// rate limit backend instead.
type StaticGuard struct {
	mu      sync.RWMutex
	tenants map[string]*Record
	usage   map[string]map[QuotaDimension]int64

	// AllowUnknown admits tenants that have no record, subject to no
	// quota. Disabled by default.
	AllowUnknown bool
}

// NewStaticGuard creates a guard over the given tenant records.
func NewStaticGuard(records ...*Record) *StaticGuard {
	g := &StaticGuard{
		tenants: make(map[string]*Record),
		usage:   make(map[string]map[QuotaDimension]int64),
	}
	for _, r := range records {
		g.tenants[r.ID] = r
	}
	return g
}

// Upsert adds or replaces a tenant record.
func (g *StaticGuard) Upsert(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenants[r.ID] = r
}

// Remove deletes a tenant record and its usage counters.
func (g *StaticGuard) Remove(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tenants, tenantID)
	delete(g.usage, tenantID)
}

// Get returns the tenant record, or nil if unknown.
func (g *StaticGuard) Get(tenantID string) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tenants[tenantID]
}

// List returns all registered tenant records.
func (g *StaticGuard) List() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.tenants))
	for _, r := range g.tenants {
		out = append(out, r)
	}
	return out
}

// ValidateTenant implements Guard.
func (g *StaticGuard) ValidateTenant(ctx context.Context, tenantID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.tenants[tenantID]
	if !ok {
		if g.AllowUnknown {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if !r.Active() {
		return fmt.Errorf("%w: %s", ErrTenantDisabled, tenantID)
	}
	return nil
}

// EnforceQuota implements Guard.
func (g *StaticGuard) EnforceQuota(ctx context.Context, scope Scope, dimension QuotaDimension, amount int64) (*QuotaDecision, error) {
	scope = scope.Normalize()

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.tenants[scope.TenantID]
	if !ok {
		if g.AllowUnknown {
			return &QuotaDecision{Allowed: true, Dimension: string(dimension), Requested: amount}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, scope.TenantID)
	}

	limit := r.Limits[dimension]
	used := g.usage[scope.TenantID][dimension]

	decision := &QuotaDecision{
		Dimension: string(dimension),
		Limit:     limit,
		Used:      used,
		Requested: amount,
	}

	// Zero limit means unlimited
	if limit > 0 && used+amount > limit {
		decision.Allowed = false
		decision.Message = fmt.Sprintf("quota %s exhausted: %d/%d used, %d requested", dimension, used, limit, amount)
		return decision, ErrQuotaExceeded
	}

	if g.usage[scope.TenantID] == nil {
		g.usage[scope.TenantID] = make(map[QuotaDimension]int64)
	}
	g.usage[scope.TenantID][dimension] = used + amount
	decision.Allowed = true
	decision.Used = used + amount
	return decision, nil
}

// Release implements Guard.
func (g *StaticGuard) Release(ctx context.Context, scope Scope, dimension QuotaDimension, amount int64) {
	scope = scope.Normalize()

	g.mu.Lock()
	defer g.mu.Unlock()

	counters := g.usage[scope.TenantID]
	if counters == nil {
		return
	}
	counters[dimension] -= amount
	if counters[dimension] < 0 {
		counters[dimension] = 0
	}
}

// Usage returns the current usage counter for a dimension.
func (g *StaticGuard) Usage(tenantID string, dimension QuotaDimension) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.usage[tenantID][dimension]
}
