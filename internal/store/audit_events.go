package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AuditEventRecord is one audit trail entry as persisted. The hash is
// computed by the audit package before the event reaches the store and
// is stored verbatim for later verification.
type AuditEventRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	RunID     string            `json:"run_id"`
	NodeID    string            `json:"node_id"`
	ActorID   string            `json:"actor_id"`
	Event     string            `json:"event"`
	Detail    map[string]string `json:"detail,omitempty"`
	Hash      string            `json:"hash"`
}

func (s *PostgresStore) SaveAuditEvents(ctx context.Context, events []*AuditEventRecord) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		detail, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		batch.Queue(`
			INSERT INTO audit_events (ts, run_id, node_id, actor_id, event, detail, hash)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		`, ev.Timestamp, ev.RunID, ev.NodeID, ev.ActorID, ev.Event, detail, ev.Hash)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(events); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save audit events: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, runID string, limit int) ([]*AuditEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ts, run_id, node_id, actor_id, event, COALESCE(detail, '{}'::jsonb), hash
		FROM audit_events
		WHERE run_id = $1
		ORDER BY ts ASC, id ASC
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func (s *PostgresStore) ListRecentAuditEvents(ctx context.Context, limit int) ([]*AuditEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ts, run_id, node_id, actor_id, event, COALESCE(detail, '{}'::jsonb), hash
		FROM audit_events
		ORDER BY ts DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent audit events: %w", err)
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func collectAuditEvents(rows pgx.Rows) ([]*AuditEventRecord, error) {
	var events []*AuditEventRecord
	for rows.Next() {
		var ev AuditEventRecord
		var detail []byte
		if err := rows.Scan(&ev.Timestamp, &ev.RunID, &ev.NodeID, &ev.ActorID, &ev.Event, &detail, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit event rows: %w", err)
	}
	return events, nil
}
