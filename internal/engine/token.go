package engine

import (
	"sync/atomic"
	"time"
)

// Token is an immutable snapshot of one execution's identity and
// progress. A new token is published on every change; existing tokens
// are never written to, so a reader holding one always sees a
// consistent view.
type Token struct {
	RunID       string    `json:"run_id"`
	TenantID    string    `json:"tenant_id"`
	NodeID      string    `json:"node_id"`
	State       State     `json:"state"`
	Phase       string    `json:"phase,omitempty"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	TraceID     string    `json:"trace_id,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenRef publishes the current token through an atomic pointer.
// Load never blocks and never observes a partial token.
type TokenRef struct {
	p atomic.Pointer[Token]
}

// NewTokenRef seeds the reference with the initial token.
func NewTokenRef(initial Token) *TokenRef {
	r := &TokenRef{}
	initial.IssuedAt = time.Now()
	r.p.Store(&initial)
	return r
}

// Load returns the most recently published token.
func (r *TokenRef) Load() Token {
	return *r.p.Load()
}

// Advance publishes a successor token derived from the current one by
// mutate. The callback receives a copy; the stored token is replaced
// wholesale.
func (r *TokenRef) Advance(mutate func(*Token)) Token {
	for {
		cur := r.p.Load()
		next := *cur
		mutate(&next)
		next.IssuedAt = time.Now()
		if r.p.CompareAndSwap(cur, &next) {
			return next
		}
	}
}
