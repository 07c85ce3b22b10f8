package kernel

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/helioslabs/helios/internal/engine"
)

// ErrRunNotFound reports a run id that is not currently executing on
// this node. Finished runs leave the registry immediately, so lookups
// for them land here as well.
var ErrRunNotFound = errors.New("kernel: run not found")

// RunInfo is the control-plane view of one in-flight execution. Fields
// are snapshots: the run keeps moving after the copy is taken.
type RunInfo struct {
	RunID     string       `json:"run_id"`
	TenantID  string       `json:"tenant_id"`
	Model     string       `json:"model"`
	State     engine.State `json:"state"`
	Phase     string       `json:"phase,omitempty"`
	Attempt   int          `json:"attempt"`
	Streamed  bool         `json:"streamed"`
	TraceID   string       `json:"trace_id,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

type liveRun struct {
	ec       *engine.Context
	cancel   func()
	model    string
	streamed bool
	started  time.Time
}

func (r *liveRun) info(id string) RunInfo {
	tok := r.ec.Token()
	return RunInfo{
		RunID:     id,
		TenantID:  tok.TenantID,
		Model:     r.model,
		State:     r.ec.State(),
		Phase:     tok.Phase,
		Attempt:   tok.Attempt,
		Streamed:  r.streamed,
		TraceID:   tok.TraceID,
		StartedAt: r.started,
	}
}

type runRegistry struct {
	mu   sync.RWMutex
	runs map[string]*liveRun
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*liveRun)}
}

func (g *runRegistry) track(id string, r *liveRun) {
	g.mu.Lock()
	g.runs[id] = r
	g.mu.Unlock()
}

func (g *runRegistry) untrack(id string) {
	g.mu.Lock()
	delete(g.runs, id)
	g.mu.Unlock()
}

func (g *runRegistry) get(id string) (*liveRun, bool) {
	g.mu.RLock()
	r, ok := g.runs[id]
	g.mu.RUnlock()
	return r, ok
}

// Runs lists every execution currently in flight on this node, oldest
// first.
func (k *Kernel) Runs() []RunInfo {
	k.live.mu.RLock()
	out := make([]RunInfo, 0, len(k.live.runs))
	for id, r := range k.live.runs {
		out = append(out, r.info(id))
	}
	k.live.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Run returns the snapshot of one in-flight execution.
func (k *Kernel) Run(id string) (RunInfo, error) {
	r, ok := k.live.get(id)
	if !ok {
		return RunInfo{}, ErrRunNotFound
	}
	return r.info(id), nil
}

// CancelRun cancels an in-flight execution. The run still finishes its
// teardown phases, so the caller observes it in the registry until the
// failure envelope is written.
func (k *Kernel) CancelRun(id string) error {
	r, ok := k.live.get(id)
	if !ok {
		return ErrRunNotFound
	}
	r.cancel()
	return nil
}

// SignalRun fires a lifecycle signal at an in-flight execution and
// returns the state after the transition. Approval gates park a run in
// WAITING; SignalApproved resumes it and SignalRejected fails it.
// engine.ErrIllegalTransition reports a signal the current state does
// not accept.
func (k *Kernel) SignalRun(id string, sig engine.Signal) (engine.State, error) {
	r, ok := k.live.get(id)
	if !ok {
		return "", ErrRunNotFound
	}
	return r.ec.Fire(sig)
}
