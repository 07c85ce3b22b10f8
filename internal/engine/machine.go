package engine

import (
	"fmt"
	"sync"
	"time"
)

// historySize bounds the per-execution transition history ring.
const historySize = 64

// Transition records one applied state change.
type Transition struct {
	From   State     `json:"from"`
	Signal Signal    `json:"signal"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
}

// Machine is the state machine for a single execution. It is safe for
// concurrent use; transitions serialize on an internal mutex while
// reads go through the last published token.
type Machine struct {
	mu    sync.Mutex
	state State

	history []Transition
	dropped int
}

// NewMachine returns a machine in CREATED.
func NewMachine() *Machine {
	return &Machine{
		state:   StateCreated,
		history: make([]Transition, 0, 8),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies one signal and returns the resulting state. Signals
// outside the closed set are rejected everywhere. CREATED and RUNNING
// absorb unlisted signals as self-transitions; COMPLETED, FAILED and
// CANCELLED swallow every signal without recording anything; the
// remaining states return ErrIllegalTransition for unlisted signals.
func (m *Machine) Fire(sig Signal) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !IsValidSignal(sig) {
		return m.state, fmt.Errorf("%w: %s --%s-->", ErrIllegalTransition, m.state, sig)
	}
	if absorbs(m.state) {
		return m.state, nil
	}
	if next, ok := transitions[m.state][sig]; ok {
		return m.apply(sig, next), nil
	}
	if selfOnUnlisted(m.state) {
		return m.apply(sig, m.state), nil
	}
	return m.state, fmt.Errorf("%w: %s --%s-->", ErrIllegalTransition, m.state, sig)
}

// Suspend pauses an in-flight execution by administrative action, the
// only way into SUSPENDED. Legal from RUNNING and WAITING; recorded in
// history under the SUSPEND pseudo-signal.
func (m *Machine) Suspend() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning, StateWaiting:
		return m.apply(SignalSuspend, StateSuspended), nil
	}
	return m.state, fmt.Errorf("%w: %s --%s-->", ErrIllegalTransition, m.state, SignalSuspend)
}

// apply is called with the mutex held.
func (m *Machine) apply(sig Signal, next State) State {
	from := m.state
	m.state = next
	if len(m.history) == historySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:historySize-1]
		m.dropped++
	}
	m.history = append(m.history, Transition{From: from, Signal: sig, To: next, At: time.Now()})
	return next
}

// History returns a copy of the retained transitions, oldest first, and
// the count of transitions dropped from the front of the ring.
func (m *Machine) History() ([]Transition, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out, m.dropped
}
