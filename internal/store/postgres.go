package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema exists.
// maxConns <= 0 keeps the pool's default sizing.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS manifests (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			name TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifests_name ON manifests(name)`,
		`CREATE INDEX IF NOT EXISTS idx_manifests_format ON manifests ((data->>'format'))`,
		`CREATE TABLE IF NOT EXISTS runner_configs (
			tenant_id TEXT NOT NULL,
			runner_kind TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, runner_kind)
		)`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			name TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			tier TEXT NOT NULL DEFAULT 'free',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			policies JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS inference_logs (
			run_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			trace_id TEXT,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			model TEXT NOT NULL,
			provider_id TEXT,
			runner_kind TEXT,
			state TEXT NOT NULL,
			finish_reason TEXT,
			duration_ms BIGINT NOT NULL,
			first_chunk_ms BIGINT NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 1,
			warm_hit BOOLEAN NOT NULL DEFAULT FALSE,
			streamed BOOLEAN NOT NULL DEFAULT FALSE,
			err_type TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inference_logs_model ON inference_logs(model, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_inference_logs_tenant ON inference_logs(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_inference_logs_created_at ON inference_logs(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			event TEXT NOT NULL,
			detail JSONB,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
