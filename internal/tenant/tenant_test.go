package tenant

import (
	"context"
	"errors"
	"testing"
)

func TestScopeContext(t *testing.T) {
	ctx := context.Background()

	if got := FromContext(ctx); got != DefaultScope {
		t.Errorf("FromContext on empty ctx = %+v, want default scope", got)
	}

	ctx = WithScope(ctx, Scope{TenantID: "acme"})
	got := FromContext(ctx)
	if got.TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", got.TenantID)
	}
	if got.Namespace != "default" {
		t.Errorf("Namespace = %q, want default (normalized)", got.Namespace)
	}
}

func TestValidateTenant(t *testing.T) {
	g := NewStaticGuard(
		&Record{ID: "acme", Status: StatusActive},
		&Record{ID: "ghost", Status: StatusSuspended},
	)
	ctx := context.Background()

	if err := g.ValidateTenant(ctx, "acme"); err != nil {
		t.Errorf("active tenant rejected: %v", err)
	}
	if err := g.ValidateTenant(ctx, "ghost"); !errors.Is(err, ErrTenantDisabled) {
		t.Errorf("suspended tenant error = %v, want ErrTenantDisabled", err)
	}
	if err := g.ValidateTenant(ctx, "nobody"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("unknown tenant error = %v, want ErrTenantNotFound", err)
	}

	g.AllowUnknown = true
	if err := g.ValidateTenant(ctx, "nobody"); err != nil {
		t.Errorf("AllowUnknown should admit unknown tenants, got %v", err)
	}
}

func TestEnforceQuota(t *testing.T) {
	g := NewStaticGuard(&Record{
		ID:     "acme",
		Status: StatusActive,
		Limits: map[QuotaDimension]int64{QuotaRequests: 3},
	})
	ctx := context.Background()
	scope := Scope{TenantID: "acme"}

	for i := 0; i < 3; i++ {
		d, err := g.EnforceQuota(ctx, scope, QuotaRequests, 1)
		if err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d decision not allowed", i)
		}
	}

	d, err := g.EnforceQuota(ctx, scope, QuotaRequests, 1)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("over-quota error = %v, want ErrQuotaExceeded", err)
	}
	if d == nil || d.Allowed {
		t.Error("over-quota decision should be denied")
	}

	// Releasing frees capacity again
	g.Release(ctx, scope, QuotaRequests, 1)
	if _, err := g.EnforceQuota(ctx, scope, QuotaRequests, 1); err != nil {
		t.Errorf("post-release request rejected: %v", err)
	}
}

func TestQuotaUnlimitedWhenZero(t *testing.T) {
	g := NewStaticGuard(&Record{ID: "acme", Status: StatusActive})
	ctx := context.Background()
	scope := Scope{TenantID: "acme"}

	for i := 0; i < 100; i++ {
		if _, err := g.EnforceQuota(ctx, scope, QuotaTokens, 1000); err != nil {
			t.Fatalf("unlimited dimension rejected at %d: %v", i, err)
		}
	}
	if got := g.Usage("acme", QuotaTokens); got != 100000 {
		t.Errorf("usage = %d, want 100000", got)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	g := NewStaticGuard(&Record{ID: "acme", Status: StatusActive})
	g.Release(context.Background(), Scope{TenantID: "acme"}, QuotaRequests, 5)
	if got := g.Usage("acme", QuotaRequests); got != 0 {
		t.Errorf("usage after release on empty counter = %d, want 0", got)
	}
}
