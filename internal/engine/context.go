package engine

import (
	"sync"
	"time"

	"github.com/helioslabs/helios/internal/domain"
)

// PhaseError is a failure that did not change the execution outcome.
type PhaseError struct {
	Phase string `json:"phase"`
	Err   error  `json:"-"`
}

// Context is the mutable envelope around one execution: the request,
// the machine with its published token, and the scratch state phases
// use to hand work to each other. Variables carry phase-to-phase data;
// metadata survives to the observability emitters; the error slot holds
// the fatal error while nonFatal collects failures that were absorbed.
type Context struct {
	Request *domain.InferenceRequest

	machine *Machine
	token   *TokenRef

	mu        sync.Mutex
	response  *domain.InferenceResponse
	err       error
	nonFatal  []PhaseError
	variables map[string]any
	metadata  map[string]string
	timings   map[string]time.Duration
}

// NewContext builds a fresh execution envelope. The machine starts in
// CREATED; the seed token's State is forced to match it.
func NewContext(req *domain.InferenceRequest, seed Token) *Context {
	seed.State = StateCreated
	return &Context{
		Request:   req,
		machine:   NewMachine(),
		token:     NewTokenRef(seed),
		variables: make(map[string]any),
		metadata:  make(map[string]string),
		timings:   make(map[string]time.Duration),
	}
}

// Machine returns the underlying state machine.
func (c *Context) Machine() *Machine { return c.machine }

// Token returns the latest published token snapshot.
func (c *Context) Token() Token { return c.token.Load() }

// RunID is a shorthand for the token's run identifier.
func (c *Context) RunID() string { return c.token.Load().RunID }

// State returns the machine's current state.
func (c *Context) State() State { return c.machine.State() }

// Fire applies a signal to the machine and, when the state changed,
// republishes the token to match.
func (c *Context) Fire(sig Signal) (State, error) {
	prev := c.token.Load().State
	next, err := c.machine.Fire(sig)
	if err == nil && next != prev {
		c.token.Advance(func(t *Token) { t.State = next })
	}
	return next, err
}

// Suspend applies the administrative pause and republishes the token.
func (c *Context) Suspend() (State, error) {
	next, err := c.machine.Suspend()
	if err == nil {
		c.token.Advance(func(t *Token) { t.State = next })
	}
	return next, err
}

// Advance publishes a successor token derived by mutate.
func (c *Context) Advance(mutate func(*Token)) Token {
	return c.token.Advance(mutate)
}

// EnterPhase publishes a token carrying the new current phase.
func (c *Context) EnterPhase(phase string) Token {
	return c.token.Advance(func(t *Token) { t.Phase = phase })
}

// SetError records the fatal error. The first error wins; later calls
// are kept as non-fatal so nothing is silently lost.
func (c *Context) SetError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		return
	}
	c.nonFatal = append(c.nonFatal, PhaseError{Phase: c.token.Load().Phase, Err: err})
}

// Err returns the fatal error slot.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// TakeError removes and returns the fatal error slot. The pipeline
// executor uses it to route errors a plugin set without returning
// through the same phase handling as returned ones.
func (c *Context) TakeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.err
	c.err = nil
	return err
}

// AddNonFatal records an absorbed failure for a phase.
func (c *Context) AddNonFatal(phase string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonFatal = append(c.nonFatal, PhaseError{Phase: phase, Err: err})
}

// NonFatal returns a copy of the absorbed failures, oldest first.
func (c *Context) NonFatal() []PhaseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PhaseError, len(c.nonFatal))
	copy(out, c.nonFatal)
	return out
}

// SetResponse stores the inference result.
func (c *Context) SetResponse(r *domain.InferenceResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = r
}

// Response returns the stored inference result, nil before dispatch.
func (c *Context) Response() *domain.InferenceResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// SetVar stores a phase-to-phase variable.
func (c *Context) SetVar(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Var fetches a phase-to-phase variable.
func (c *Context) Var(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// VarAs fetches a variable already cast to T; ok is false when the key
// is absent or the value has a different type.
func VarAs[T any](c *Context, key string) (T, bool) {
	v, ok := c.Var(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// SetMeta records metadata that survives to observability emitters.
func (c *Context) SetMeta(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Meta returns a copy of the metadata map.
func (c *Context) Meta() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// RecordTiming accumulates wall time spent in a phase. Retried phases
// add up across attempts.
func (c *Context) RecordTiming(phase string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timings[phase] += d
}

// Timings returns a copy of the per-phase wall times.
func (c *Context) Timings() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Duration, len(c.timings))
	for k, v := range c.timings {
		out[k] = v
	}
	return out
}
