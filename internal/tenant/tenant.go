// Package tenant defines tenant scoping and quota enforcement for the
// inference kernel. Tenant boundary checks are centralized here so the
// authorize phase, the session pool, and the audit trail all apply the same
// isolation rules regardless of the backing store.
package tenant

import (
	"context"
	"errors"
)

// Standard sentinel errors for tenant isolation violations.
var (
	// ErrAccessDenied is returned when a principal lacks permission to
	// operate in the target tenant scope.
	ErrAccessDenied = errors.New("tenant: access denied")

	// ErrQuotaExceeded is returned when a tenant operation would exceed
	// the configured quota for the given dimension.
	ErrQuotaExceeded = errors.New("tenant: quota exceeded")

	// ErrTenantNotFound is returned when the target tenant does not exist.
	ErrTenantNotFound = errors.New("tenant: tenant not found")

	// ErrTenantDisabled is returned when operations are attempted on a
	// disabled or suspended tenant.
	ErrTenantDisabled = errors.New("tenant: tenant disabled")
)

// Scope identifies the tenant context for an operation.
type Scope struct {
	TenantID  string
	Namespace string
}

// DefaultScope is applied when a request carries no tenant information.
var DefaultScope = Scope{TenantID: "default", Namespace: "default"}

// Normalize fills empty fields from DefaultScope.
func (s Scope) Normalize() Scope {
	if s.TenantID == "" {
		s.TenantID = DefaultScope.TenantID
	}
	if s.Namespace == "" {
		s.Namespace = DefaultScope.Namespace
	}
	return s
}

type scopeKey struct{}

// WithScope attaches the tenant scope to the context so downstream
// components (store, session pool, audit) automatically apply tenant
// filtering.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope.Normalize())
}

// FromContext retrieves the tenant scope from the context. Returns
// DefaultScope if none is present.
func FromContext(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return s
	}
	return DefaultScope
}

// QuotaDimension identifies a resource type subject to quota enforcement.
type QuotaDimension string

const (
	QuotaRequests          QuotaDimension = "requests"
	QuotaTokens            QuotaDimension = "tokens"
	QuotaSessions          QuotaDimension = "sessions"
	QuotaConcurrentStreams QuotaDimension = "concurrent_streams"
)

// QuotaDecision describes whether a quota check passed or was denied.
type QuotaDecision struct {
	Allowed   bool   `json:"allowed"`
	Dimension string `json:"dimension"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Requested int64  `json:"requested"`
	Message   string `json:"message,omitempty"`
}

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Record is a registered tenant with its tier and quota limits. A zero
// limit for a dimension means unlimited.
type Record struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Status    Status                   `json:"status"`
	Tier      string                   `json:"tier"`
	Limits    map[QuotaDimension]int64 `json:"limits,omitempty"`
	Metadata  map[string]string        `json:"metadata,omitempty"`
	CreatedAt int64                    `json:"created_at,omitempty"`
}

// Active reports whether the tenant may run inference.
func (r *Record) Active() bool {
	return r.Status == StatusActive
}

// Guard enforces tenant boundaries for the authorize phase.
type Guard interface {
	// ValidateTenant checks that the tenant exists and is active. Returns
	// ErrTenantNotFound or ErrTenantDisabled accordingly.
	ValidateTenant(ctx context.Context, tenantID string) error

	// EnforceQuota checks and consumes quota for the given dimension.
	// Returns ErrQuotaExceeded if the operation would exceed the tenant's
	// configured limits.
	EnforceQuota(ctx context.Context, scope Scope, dimension QuotaDimension, amount int64) (*QuotaDecision, error)

	// Release returns previously consumed quota, used when a request is
	// admitted but later fails before doing work.
	Release(ctx context.Context, scope Scope, dimension QuotaDimension, amount int64)
}
