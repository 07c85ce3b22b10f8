// Package store persists the kernel's durable metadata in Postgres:
// model manifests, runner configs, tenants, API keys, encrypted
// secrets, the per-inference accounting log, and audit events. The hot
// read path (manifest and key lookups during admission) goes through
// CachedStore; everything else talks to Postgres directly.
package store

import (
	"context"
	"time"

	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/tenant"
)

// Store is the durable metadata store surface used by the daemon.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// Model manifests
	SaveManifest(ctx context.Context, m *domain.ModelManifest) error
	GetManifest(ctx context.Context, id string) (*domain.ModelManifest, error)
	GetManifestByName(ctx context.Context, name string) (*domain.ModelManifest, error)
	ListManifests(ctx context.Context) ([]*domain.ModelManifest, error)
	DeleteManifest(ctx context.Context, id string) error

	// Runner configs (per-tenant session tuning)
	SaveRunnerConfig(ctx context.Context, rc *RunnerConfigRecord) error
	GetRunnerConfig(ctx context.Context, tenantID, runnerKind string) (*RunnerConfigRecord, error)
	ListRunnerConfigs(ctx context.Context, tenantID string) ([]*RunnerConfigRecord, error)
	DeleteRunnerConfig(ctx context.Context, tenantID, runnerKind string) error

	// Tenants
	SaveTenant(ctx context.Context, rec *tenant.Record) error
	GetTenant(ctx context.Context, id string) (*tenant.Record, error)
	ListTenants(ctx context.Context) ([]*tenant.Record, error)
	DeleteTenant(ctx context.Context, id string) error

	// API keys (satisfies auth.APIKeyStore)
	SaveAPIKey(ctx context.Context, key *auth.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*auth.APIKey, error)
	GetAPIKeyByName(ctx context.Context, name string) (*auth.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error)
	DeleteAPIKey(ctx context.Context, name string) error

	// Secrets (satisfies secrets.Backend)
	SaveSecret(ctx context.Context, name, encryptedValue string) error
	GetSecret(ctx context.Context, name string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) (map[string]string, error)
	SecretExists(ctx context.Context, name string) (bool, error)

	// Inference log
	SaveInferenceLog(ctx context.Context, rec *InferenceLogRecord) error
	SaveInferenceLogs(ctx context.Context, recs []*InferenceLogRecord) error
	GetInferenceLog(ctx context.Context, runID string) (*InferenceLogRecord, error)
	ListInferenceLogs(ctx context.Context, model string, limit int) ([]*InferenceLogRecord, error)
	ListAllInferenceLogs(ctx context.Context, limit int) ([]*InferenceLogRecord, error)
	GetModelTimeSeries(ctx context.Context, model string, rangeSeconds, bucketSeconds int) ([]TimeSeriesRow, error)
	GetGlobalTimeSeries(ctx context.Context, rangeSeconds, bucketSeconds int) ([]TimeSeriesRow, error)

	// Audit events
	SaveAuditEvents(ctx context.Context, events []*AuditEventRecord) error
	ListAuditEvents(ctx context.Context, runID string, limit int) ([]*AuditEventRecord, error)
	ListRecentAuditEvents(ctx context.Context, limit int) ([]*AuditEventRecord, error)
}

// RunnerConfigRecord is per-tenant tuning for one runner kind. The
// runner factory fetches it at initialization; absent records fall
// back to the daemon's session defaults.
type RunnerConfigRecord struct {
	TenantID       string         `json:"tenant_id"`
	RunnerKind     string         `json:"runner_kind"`
	MaxSessions    int            `json:"max_sessions,omitempty"`
	WarmSessions   int            `json:"warm_sessions,omitempty"`
	Reuse          *bool          `json:"reuse,omitempty"`
	Warmup         bool           `json:"warmup,omitempty"`
	AcquireTimeout time.Duration  `json:"acquire_timeout,omitempty"`
	IdleTimeout    time.Duration  `json:"idle_timeout,omitempty"`
	MaxAge         time.Duration  `json:"max_age,omitempty"`
	Options        map[string]any `json:"options,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}
