package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/helios/internal/tenant"
)

func (s *PostgresStore) SaveTenant(ctx context.Context, rec *tenant.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if rec.Status == "" {
		rec.Status = tenant.StatusActive
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenants (id, data)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()
	`, rec.ID, data)
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*tenant.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM tenants WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	var rec tenant.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*tenant.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var records []*tenant.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list tenants scan: %w", err)
		}
		var rec tenant.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
	}
	return nil
}
