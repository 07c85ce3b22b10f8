package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/helioslabs/helios/internal/logging"
)

const (
	defaultLogBatchSize     = 100
	defaultLogBufferSize    = 1000
	defaultLogFlushInterval = 500 * time.Millisecond
	defaultLogWriteTimeout  = 5 * time.Second
)

type inferenceLogWriter interface {
	SaveInferenceLogs(ctx context.Context, recs []*InferenceLogRecord) error
}

// LogBatcher accumulates inference log records and writes them to the
// store in batches. The buffer is bounded; when full, the oldest queued
// record is dropped so the dataplane never blocks on persistence.
type LogBatcher struct {
	writer        inferenceLogWriter
	logger        *slog.Logger
	recs          chan *InferenceLogRecord
	flushInterval time.Duration
	batchSize     int
	dropped       atomic.Int64
	done          chan struct{}
}

// NewLogBatcher starts the batching goroutine.
func NewLogBatcher(w inferenceLogWriter) *LogBatcher {
	b := &LogBatcher{
		writer:        w,
		logger:        logging.Op(),
		recs:          make(chan *InferenceLogRecord, defaultLogBufferSize),
		flushInterval: defaultLogFlushInterval,
		batchSize:     defaultLogBatchSize,
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue queues one record. On a full buffer the oldest record is
// evicted to make room and the drop counter incremented.
func (b *LogBatcher) Enqueue(rec *InferenceLogRecord) {
	select {
	case b.recs <- rec:
		return
	default:
	}

	// Buffer full: evict the oldest entry, then retry once.
	select {
	case old := <-b.recs:
		n := b.dropped.Add(1)
		b.logger.Warn("inference log buffer full, dropping oldest entry",
			"dropped_run_id", old.RunID, "total_dropped", n)
	default:
	}
	select {
	case b.recs <- rec:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("inference log buffer full, dropping entry",
			"dropped_run_id", rec.RunID, "total_dropped", n)
	}
}

// Dropped reports how many records were discarded due to backpressure.
func (b *LogBatcher) Dropped() int64 {
	return b.dropped.Load()
}

// Shutdown flushes pending records and stops the batcher.
func (b *LogBatcher) Shutdown(timeout time.Duration) {
	close(b.recs)
	select {
	case <-b.done:
		return
	case <-time.After(timeout):
		b.logger.Warn("timeout waiting for inference log batcher shutdown", "timeout", timeout)
	}
}

func (b *LogBatcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]*InferenceLogRecord, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultLogWriteTimeout)
		if err := b.writer.SaveInferenceLogs(ctx, batch); err != nil {
			b.logger.Warn("failed to persist inference logs", "error", err, "count", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-b.recs:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
