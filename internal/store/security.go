package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/helios/internal/auth"
)

// SaveAPIKey creates or updates an API key.
func (s *PostgresStore) SaveAPIKey(ctx context.Context, key *auth.APIKey) error {
	policies, err := auth.MarshalPolicies(key.Policies)
	if err != nil {
		return fmt.Errorf("marshal api key policies: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (name, key_hash, tenant_id, tier, enabled, expires_at, policies, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			key_hash = EXCLUDED.key_hash,
			tenant_id = EXCLUDED.tenant_id,
			tier = EXCLUDED.tier,
			enabled = EXCLUDED.enabled,
			expires_at = EXCLUDED.expires_at,
			policies = EXCLUDED.policies,
			updated_at = NOW()
	`, key.Name, key.KeyHash, key.TenantID, key.Tier, key.Enabled, key.ExpiresAt, policies, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash retrieves an API key by its hash. A missing key is
// (nil, nil) so the authenticator can fall through to other methods.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	key, err := s.scanAPIKey(s.pool.QueryRow(ctx, `
		SELECT name, key_hash, tenant_id, tier, enabled, expires_at, COALESCE(policies, '[]'::jsonb), created_at, updated_at
		FROM api_keys WHERE key_hash = $1
	`, keyHash))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

// GetAPIKeyByName retrieves an API key by name.
func (s *PostgresStore) GetAPIKeyByName(ctx context.Context, name string) (*auth.APIKey, error) {
	key, err := s.scanAPIKey(s.pool.QueryRow(ctx, `
		SELECT name, key_hash, tenant_id, tier, enabled, expires_at, COALESCE(policies, '[]'::jsonb), created_at, updated_at
		FROM api_keys WHERE name = $1
	`, name))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("api key not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns all API keys.
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, key_hash, tenant_id, tier, enabled, expires_at, COALESCE(policies, '[]'::jsonb), created_at, updated_at
		FROM api_keys ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*auth.APIKey
	for rows.Next() {
		key, err := s.scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes an API key.
func (s *PostgresStore) DeleteAPIKey(ctx context.Context, name string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("api key not found: %s", name)
	}
	return nil
}

func (s *PostgresStore) scanAPIKey(row pgx.Row) (*auth.APIKey, error) {
	var key auth.APIKey
	var policies json.RawMessage
	err := row.Scan(&key.Name, &key.KeyHash, &key.TenantID, &key.Tier, &key.Enabled,
		&key.ExpiresAt, &policies, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return nil, err
	}
	key.Policies, err = auth.UnmarshalPolicies(policies)
	if err != nil {
		return nil, fmt.Errorf("unmarshal api key policies: %w", err)
	}
	return &key, nil
}

// SaveSecret stores an encrypted secret.
func (s *PostgresStore) SaveSecret(ctx context.Context, name, encryptedValue string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (name, value, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, name, encryptedValue)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

// GetSecret retrieves an encrypted secret.
func (s *PostgresStore) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM secrets WHERE name = $1`, name).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("secret not found: %s", name)
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	return value, nil
}

// DeleteSecret removes a secret.
func (s *PostgresStore) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// ListSecrets returns all secret names with their creation times.
func (s *PostgresStore) ListSecrets(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, created_at FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var name string
		var createdAt time.Time
		if err := rows.Scan(&name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		result[name] = createdAt.Format(time.RFC3339)
	}
	return result, rows.Err()
}

// SecretExists checks if a secret exists.
func (s *PostgresStore) SecretExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM secrets WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check secret exists: %w", err)
	}
	return exists, nil
}
