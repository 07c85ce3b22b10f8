package ratelimit

import (
	"context"
	"time"
)

// TierConfig is the rate limit shape of one tenant tier.
type TierConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// Result of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter applies per-tenant tier limits through a Backend.
type Limiter struct {
	backend     Backend
	tiers       map[string]TierConfig
	defaultTier TierConfig
}

// New creates a limiter. Unknown tiers fall back to defaultTier.
func New(backend Backend, tiers map[string]TierConfig, defaultTier TierConfig) *Limiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &Limiter{backend: backend, tiers: tiers, defaultTier: defaultTier}
}

// Allow checks one request for the key under its tier.
func (l *Limiter) Allow(ctx context.Context, key, tier string) (Result, error) {
	return l.AllowN(ctx, key, tier, 1)
}

// AllowN checks an n-token request for the key under its tier.
func (l *Limiter) AllowN(ctx context.Context, key, tier string, n int) (Result, error) {
	cfg := l.tierConfig(tier)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, err
	}

	// Time until the bucket refills completely.
	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds * float64(time.Second)))

	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *Limiter) tierConfig(tier string) TierConfig {
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.defaultTier
}

// KeyForTenant returns the bucket key for a tenant's dataplane traffic.
func KeyForTenant(tenantID string) string {
	return "tenant:" + tenantID
}

// KeyForAPIKey returns the bucket key for one API key.
func KeyForAPIKey(name string) string {
	return "apikey:" + name
}

// KeyForIP returns the bucket key for anonymous traffic by address.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
