package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/tenant"
)

// ErrManifestNotFound is returned when no manifest matches the lookup.
var ErrManifestNotFound = fmt.Errorf("store: manifest not found")

func (s *PostgresStore) SaveManifest(ctx context.Context, m *domain.ModelManifest) error {
	if m.ID == "" || m.Name == "" {
		return fmt.Errorf("manifest id and name are required")
	}
	if m.TenantID == "" {
		m.TenantID = tenant.FromContext(ctx).TenantID
	}

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO manifests (id, tenant_id, name, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, m.ID, m.TenantID, m.Name, data, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetManifest(ctx context.Context, id string) (*domain.ModelManifest, error) {
	scope := tenant.FromContext(ctx)
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data
		FROM manifests
		WHERE id = $1 AND tenant_id IN ($2, $3)
		ORDER BY (tenant_id = $2) DESC
		LIMIT 1
	`, id, scope.TenantID, tenant.DefaultScope.TenantID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	return decodeManifest(data)
}

// GetManifestByName resolves by exact name or alias. A tenant-owned
// manifest shadows a same-named entry in the shared (default) catalog.
func (s *PostgresStore) GetManifestByName(ctx context.Context, name string) (*domain.ModelManifest, error) {
	scope := tenant.FromContext(ctx)
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data
		FROM manifests
		WHERE (name = $1 OR data->'aliases' ? $1) AND tenant_id IN ($2, $3)
		ORDER BY (tenant_id = $2) DESC, name
		LIMIT 1
	`, name, scope.TenantID, tenant.DefaultScope.TenantID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest by name: %w", err)
	}
	return decodeManifest(data)
}

func (s *PostgresStore) ListManifests(ctx context.Context) ([]*domain.ModelManifest, error) {
	scope := tenant.FromContext(ctx)
	rows, err := s.pool.Query(ctx, `
		SELECT data
		FROM manifests
		WHERE tenant_id IN ($1, $2)
		ORDER BY name
	`, scope.TenantID, tenant.DefaultScope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var manifests []*domain.ModelManifest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list manifests scan: %w", err)
		}
		m, err := decodeManifest(data)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list manifests rows: %w", err)
	}
	return manifests, nil
}

func (s *PostgresStore) DeleteManifest(ctx context.Context, id string) error {
	scope := tenant.FromContext(ctx)
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM manifests
		WHERE id = $1 AND tenant_id = $2
	`, id, scope.TenantID)
	if err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, id)
	}
	return nil
}

func decodeManifest(data []byte) (*domain.ModelManifest, error) {
	var m domain.ModelManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
