package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrRunnerConfigNotFound is returned when no tuning record exists for
// the (tenant, runner kind) pair.
var ErrRunnerConfigNotFound = fmt.Errorf("store: runner config not found")

func (s *PostgresStore) SaveRunnerConfig(ctx context.Context, rc *RunnerConfigRecord) error {
	if rc.TenantID == "" || rc.RunnerKind == "" {
		return fmt.Errorf("runner config tenant_id and runner_kind are required")
	}

	now := time.Now()
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = now
	}
	rc.UpdatedAt = now

	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runner_configs (tenant_id, runner_kind, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (tenant_id, runner_kind) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, rc.TenantID, rc.RunnerKind, data, rc.CreatedAt, rc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save runner config: %w", err)
	}
	return nil
}

// GetRunnerConfig returns the tenant's tuning for a runner kind,
// falling back to the default tenant's record when the tenant has none.
func (s *PostgresStore) GetRunnerConfig(ctx context.Context, tenantID, runnerKind string) (*RunnerConfigRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data
		FROM runner_configs
		WHERE runner_kind = $2 AND tenant_id IN ($1, 'default')
		ORDER BY (tenant_id = $1) DESC
		LIMIT 1
	`, tenantID, runnerKind).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrRunnerConfigNotFound, tenantID, runnerKind)
	}
	if err != nil {
		return nil, fmt.Errorf("get runner config: %w", err)
	}

	var rc RunnerConfigRecord
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *PostgresStore) ListRunnerConfigs(ctx context.Context, tenantID string) ([]*RunnerConfigRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data
		FROM runner_configs
		WHERE tenant_id = $1
		ORDER BY runner_kind
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list runner configs: %w", err)
	}
	defer rows.Close()

	var configs []*RunnerConfigRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list runner configs scan: %w", err)
		}
		var rc RunnerConfigRecord
		if err := json.Unmarshal(data, &rc); err != nil {
			continue
		}
		configs = append(configs, &rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runner configs rows: %w", err)
	}
	return configs, nil
}

func (s *PostgresStore) DeleteRunnerConfig(ctx context.Context, tenantID, runnerKind string) error {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM runner_configs
		WHERE tenant_id = $1 AND runner_kind = $2
	`, tenantID, runnerKind)
	if err != nil {
		return fmt.Errorf("delete runner config: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRunnerConfigNotFound, tenantID, runnerKind)
	}
	return nil
}
