package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/helios/internal/logging"
)

// InferenceLogRecord is one terminal inference as persisted. It mirrors
// logging.InferenceLog field for field so the batcher can pass entries
// straight through.
type InferenceLogRecord = logging.InferenceLog

// TimeSeriesRow is one aggregation bucket of the inference log.
type TimeSeriesRow struct {
	Timestamp   time.Time `json:"timestamp"`
	Requests    int64     `json:"requests"`
	Errors      int64     `json:"errors"`
	AvgDuration float64   `json:"avg_duration_ms"`
	Tokens      int64     `json:"tokens"`
}

func (s *PostgresStore) SaveInferenceLog(ctx context.Context, rec *InferenceLogRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("inference log run_id is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.pool.Exec(ctx, insertInferenceLogSQL, inferenceLogArgs(rec)...)
	if err != nil {
		return fmt.Errorf("save inference log: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveInferenceLogs(ctx context.Context, recs []*InferenceLogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		if rec.RunID == "" {
			return fmt.Errorf("inference log run_id is required")
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		batch.Queue(insertInferenceLogSQL, inferenceLogArgs(rec)...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(recs); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save inference logs: %w", err)
		}
	}
	return nil
}

const insertInferenceLogSQL = `
	INSERT INTO inference_logs (run_id, request_id, trace_id, tenant_id, model, provider_id, runner_kind,
		state, finish_reason, duration_ms, first_chunk_ms, prompt_tokens, completion_tokens,
		attempts, warm_hit, streamed, err_type, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (run_id) DO NOTHING
`

func inferenceLogArgs(rec *InferenceLogRecord) []any {
	return []any{
		rec.RunID, rec.RequestID, rec.TraceID, rec.TenantID, rec.Model, rec.ProviderID, rec.RunnerKind,
		rec.State, rec.FinishReason, rec.DurationMs, rec.FirstChunkMs, rec.PromptTokens, rec.CompletionTokens,
		rec.Attempts, rec.WarmHit, rec.Streamed, rec.ErrType, rec.Error, rec.Timestamp,
	}
}

const selectInferenceLogSQL = `
	SELECT run_id, request_id, COALESCE(trace_id, ''), tenant_id, model, COALESCE(provider_id, ''),
		COALESCE(runner_kind, ''), state, COALESCE(finish_reason, ''), duration_ms, first_chunk_ms,
		prompt_tokens, completion_tokens, attempts, warm_hit, streamed,
		COALESCE(err_type, ''), COALESCE(error_message, ''), created_at
	FROM inference_logs
`

func scanInferenceLog(row pgx.Row) (*InferenceLogRecord, error) {
	var rec InferenceLogRecord
	err := row.Scan(&rec.RunID, &rec.RequestID, &rec.TraceID, &rec.TenantID, &rec.Model, &rec.ProviderID,
		&rec.RunnerKind, &rec.State, &rec.FinishReason, &rec.DurationMs, &rec.FirstChunkMs,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.Attempts, &rec.WarmHit, &rec.Streamed,
		&rec.ErrType, &rec.Error, &rec.Timestamp)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) GetInferenceLog(ctx context.Context, runID string) (*InferenceLogRecord, error) {
	rec, err := scanInferenceLog(s.pool.QueryRow(ctx, selectInferenceLogSQL+` WHERE run_id = $1`, runID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("inference log not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get inference log: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListInferenceLogs(ctx context.Context, model string, limit int) ([]*InferenceLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectInferenceLogSQL+`
		WHERE model = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("list inference logs: %w", err)
	}
	defer rows.Close()
	return collectInferenceLogs(rows)
}

func (s *PostgresStore) ListAllInferenceLogs(ctx context.Context, limit int) ([]*InferenceLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectInferenceLogSQL+`
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list all inference logs: %w", err)
	}
	defer rows.Close()
	return collectInferenceLogs(rows)
}

func collectInferenceLogs(rows pgx.Rows) ([]*InferenceLogRecord, error) {
	var recs []*InferenceLogRecord
	for rows.Next() {
		rec, err := scanInferenceLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inference log: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inference log rows: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) GetModelTimeSeries(ctx context.Context, model string, rangeSeconds, bucketSeconds int) ([]TimeSeriesRow, error) {
	if rangeSeconds <= 0 {
		rangeSeconds = 3600
	}
	if bucketSeconds <= 0 {
		bucketSeconds = 60
	}

	rows, err := s.pool.Query(ctx, `
		WITH buckets AS (
			SELECT generate_series(
				to_timestamp(floor(extract(epoch from NOW() - make_interval(secs => $2::double precision)) / $3) * $3),
				to_timestamp(floor(extract(epoch from NOW()) / $3) * $3),
				make_interval(secs => $3::double precision)
			) AS bucket
		),
		data AS (
			SELECT
				to_timestamp(floor(extract(epoch from created_at) / $3) * $3) AS bucket,
				COUNT(*) AS requests,
				COUNT(*) FILTER (WHERE state <> 'COMPLETED') AS errors,
				AVG(duration_ms) AS avg_duration,
				SUM(prompt_tokens + completion_tokens) AS tokens
			FROM inference_logs
			WHERE model = $1
			  AND created_at >= NOW() - make_interval(secs => $2::double precision)
			GROUP BY bucket
		)
		SELECT
			b.bucket,
			COALESCE(d.requests, 0),
			COALESCE(d.errors, 0),
			COALESCE(d.avg_duration, 0),
			COALESCE(d.tokens, 0)
		FROM buckets b
		LEFT JOIN data d ON b.bucket = d.bucket
		ORDER BY b.bucket ASC
	`, model, rangeSeconds, bucketSeconds)
	if err != nil {
		return nil, fmt.Errorf("get model time series: %w", err)
	}
	defer rows.Close()
	return collectTimeSeries(rows)
}

func (s *PostgresStore) GetGlobalTimeSeries(ctx context.Context, rangeSeconds, bucketSeconds int) ([]TimeSeriesRow, error) {
	if rangeSeconds <= 0 {
		rangeSeconds = 3600
	}
	if bucketSeconds <= 0 {
		bucketSeconds = 60
	}

	rows, err := s.pool.Query(ctx, `
		WITH buckets AS (
			SELECT generate_series(
				to_timestamp(floor(extract(epoch from NOW() - make_interval(secs => $1::double precision)) / $2) * $2),
				to_timestamp(floor(extract(epoch from NOW()) / $2) * $2),
				make_interval(secs => $2::double precision)
			) AS bucket
		),
		data AS (
			SELECT
				to_timestamp(floor(extract(epoch from created_at) / $2) * $2) AS bucket,
				COUNT(*) AS requests,
				COUNT(*) FILTER (WHERE state <> 'COMPLETED') AS errors,
				AVG(duration_ms) AS avg_duration,
				SUM(prompt_tokens + completion_tokens) AS tokens
			FROM inference_logs
			WHERE created_at >= NOW() - make_interval(secs => $1::double precision)
			GROUP BY bucket
		)
		SELECT
			b.bucket,
			COALESCE(d.requests, 0),
			COALESCE(d.errors, 0),
			COALESCE(d.avg_duration, 0),
			COALESCE(d.tokens, 0)
		FROM buckets b
		LEFT JOIN data d ON b.bucket = d.bucket
		ORDER BY b.bucket ASC
	`, rangeSeconds, bucketSeconds)
	if err != nil {
		return nil, fmt.Errorf("get global time series: %w", err)
	}
	defer rows.Close()
	return collectTimeSeries(rows)
}

func collectTimeSeries(rows pgx.Rows) ([]TimeSeriesRow, error) {
	buckets := make([]TimeSeriesRow, 0)
	for rows.Next() {
		var b TimeSeriesRow
		if err := rows.Scan(&b.Timestamp, &b.Requests, &b.Errors, &b.AvgDuration, &b.Tokens); err != nil {
			return nil, fmt.Errorf("scan time series: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("time series rows: %w", err)
	}
	return buckets, nil
}
