// Package session manages pools of reusable inference sessions. A
// session wraps one native handle (a llama.cpp context, a KV cache, an
// upstream conversation) owned exclusively by the session; pools bound
// how many exist per (model, tenant) and recycle them across requests.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the native resource a session owns. Close must be safe to
// call from the pool's reaper goroutine.
type Handle interface {
	Close() error
}

// Factory creates the native handle for a new session.
type Factory func(ctx context.Context) (Handle, error)

// Session is one pooled inference session. It is handed out by a Pool,
// used by exactly one request at a time, and returned with Release.
type Session struct {
	id       string
	modelID  string
	tenantID string
	handle   Handle
	created  time.Time

	mu       sync.Mutex
	lastUsed time.Time
	requests int64
	inUse    bool
	closed   bool
}

func newSession(modelID, tenantID string, handle Handle) *Session {
	now := time.Now()
	return &Session{
		id:       uuid.NewString(),
		modelID:  modelID,
		tenantID: tenantID,
		handle:   handle,
		created:  now,
		lastUsed: now,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ModelID() string  { return s.modelID }
func (s *Session) TenantID() string { return s.tenantID }

// Handle returns the native resource. Valid only between Acquire and
// Release.
func (s *Session) Handle() Handle { return s.handle }

func (s *Session) CreatedAt() time.Time { return s.created }

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration { return time.Since(s.created) }

// IdleFor returns the time since the session was last begun or released.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// Requests returns how many times the session has been acquired.
func (s *Session) Requests() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// InUse reports whether a request currently holds the session.
func (s *Session) InUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Session) begin() {
	s.mu.Lock()
	s.inUse = true
	s.requests++
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) end() {
	s.mu.Lock()
	s.inUse = false
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// Close releases the native handle. It is idempotent: the handle is
// closed exactly once no matter which path retires the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
