package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/store"
)

// Sink receives sealed audit events. Callers treat delivery as
// best-effort: a sink error is logged, never fatal to the request that
// produced the event.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// NopSink discards every event. Wired when auditing is disabled.
type NopSink struct{}

func (NopSink) Write(context.Context, Event) error { return nil }

// LogSink writes events to the operational logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink over the process logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.Op()}
}

func (s *LogSink) Write(_ context.Context, ev Event) error {
	s.logger.Info("audit",
		"event", ev.Name,
		"run_id", ev.RunID,
		"node_id", ev.NodeID,
		"actor", ev.Actor.ID,
		"level", ev.Level,
		"hash", ev.Hash)
	return nil
}

// FanoutSink delivers each event to every child sink. All children run
// even when earlier ones fail; their errors are joined.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink builds a fan-out over the given sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (s *FanoutSink) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, child := range s.sinks {
		if err := child.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	defaultAuditBatchSize     = 50
	defaultAuditBufferSize    = 1000
	defaultAuditFlushInterval = time.Second
	defaultAuditWriteTimeout  = 5 * time.Second
)

// ErrSinkClosed is returned by Write after Shutdown.
var ErrSinkClosed = errors.New("audit: sink closed")

type recordWriter interface {
	SaveAuditEvents(ctx context.Context, events []*store.AuditEventRecord) error
}

// StoreSink batches events into the persistent audit trail. Write
// enqueues and returns immediately; the buffer is bounded and drops the
// oldest queued event under backpressure so auditing never blocks the
// dataplane.
type StoreSink struct {
	writer        recordWriter
	logger        *slog.Logger
	events        chan *store.AuditEventRecord
	flushInterval time.Duration
	batchSize     int
	dropped       atomic.Int64
	closed        atomic.Bool
	closeOnce     sync.Once
	done          chan struct{}
}

// NewStoreSink starts the batching goroutine over the store writer.
func NewStoreSink(w recordWriter) *StoreSink {
	s := &StoreSink{
		writer:        w,
		logger:        logging.Op(),
		events:        make(chan *store.AuditEventRecord, defaultAuditBufferSize),
		flushInterval: defaultAuditFlushInterval,
		batchSize:     defaultAuditBatchSize,
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *StoreSink) Write(_ context.Context, ev Event) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	rec := toRecord(ev)

	select {
	case s.events <- rec:
		return nil
	default:
	}

	// Buffer full: evict the oldest entry, then retry once.
	select {
	case old := <-s.events:
		n := s.dropped.Add(1)
		s.logger.Warn("audit buffer full, dropping oldest event",
			"dropped_event", old.Event, "dropped_run_id", old.RunID, "total_dropped", n)
	default:
	}
	select {
	case s.events <- rec:
		return nil
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("audit buffer full, dropping event",
			"dropped_event", rec.Event, "dropped_run_id", rec.RunID, "total_dropped", n)
		return nil
	}
}

// Dropped reports how many events were discarded under backpressure.
func (s *StoreSink) Dropped() int64 {
	return s.dropped.Load()
}

// Shutdown flushes pending events and stops the batcher. Safe to call
// more than once.
func (s *StoreSink) Shutdown(timeout time.Duration) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn("timeout waiting for audit sink shutdown", "timeout", timeout)
	}
}

func (s *StoreSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*store.AuditEventRecord, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultAuditWriteTimeout)
		if err := s.writer.SaveAuditEvents(ctx, batch); err != nil {
			s.logger.Warn("failed to persist audit events", "error", err, "count", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// toRecord flattens the envelope onto the persisted shape. The hash
// fields survive verbatim so the trail verifies straight off the store;
// descriptive payload folds into the detail map under reserved keys.
func toRecord(ev Event) *store.AuditEventRecord {
	detail := make(map[string]string, len(ev.Metadata)+5)
	for k, v := range ev.Metadata {
		detail[k] = v
	}
	if ev.Level != "" {
		detail["level"] = ev.Level
	}
	if len(ev.Tags) > 0 {
		detail["tags"] = strings.Join(ev.Tags, ",")
	}
	if ev.Actor.Type != "" {
		detail["actor_type"] = ev.Actor.Type
	}
	if ev.Actor.Role != "" {
		detail["actor_role"] = ev.Actor.Role
	}
	if len(ev.ContextSnapshot) > 0 {
		if b, err := json.Marshal(ev.ContextSnapshot); err == nil {
			detail["context"] = string(b)
		}
	}
	return &store.AuditEventRecord{
		Timestamp: ev.Timestamp,
		RunID:     ev.RunID,
		NodeID:    ev.NodeID,
		ActorID:   ev.Actor.ID,
		Event:     ev.Name,
		Detail:    detail,
		Hash:      ev.Hash,
	}
}

// VerifyRecord checks a persisted entry against its stored hash.
func VerifyRecord(rec *store.AuditEventRecord) bool {
	if rec == nil || rec.Hash == "" {
		return false
	}
	return rec.Hash == HashOf(rec.Timestamp, rec.RunID, rec.NodeID, rec.ActorID, rec.Event)
}
