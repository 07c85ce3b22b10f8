package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/engine"
	"github.com/helioslabs/helios/internal/logging"
)

// Retry backoff for retryable phases: exponential from the base,
// capped, with ±20% jitter.
const (
	retryBaseMS = 100
	retryCapMS  = 5000
	retryJitter = 0.20
)

// Observer receives phase boundary and terminal notifications. Calls
// run inline on the execution path and must be fast.
type Observer interface {
	OnPhase(ec *engine.Context, phase Phase, d time.Duration, err error)
	OnTerminal(ec *engine.Context, state engine.State)
}

// Executor drives one execution through the ten phases, translating
// plugin outcomes into state machine signals. A critical phase failure
// aborts the run; phases marked RunsOnError still execute afterwards in
// best-effort mode, where nothing they do can change the outcome.
type Executor struct {
	reg       *Registry
	observers []Observer
}

// NewExecutor builds an executor over a plugin registry.
func NewExecutor(reg *Registry, observers ...Observer) *Executor {
	return &Executor{reg: reg, observers: observers}
}

// Run executes every phase in order against the envelope. It returns
// the fatal error, nil on success. The machine ends in COMPLETED,
// FAILED or CANCELLED.
func (e *Executor) Run(ctx context.Context, ec *engine.Context) error {
	st, err := ec.Fire(engine.SignalStart)
	if err != nil {
		return err
	}
	if st != engine.StateRunning {
		return domain.NewError(domain.ErrTypeInternal,
			fmt.Sprintf("execution not startable from %s", st))
	}

	for _, ph := range Ordered() {
		props := PropsOf(ph)

		if ec.Err() == nil && ctx.Err() != nil {
			ec.SetError(domain.WrapError(domain.ErrTypeCancelled, "execution cancelled", ctx.Err()))
			ec.Fire(engine.SignalCancel)
		}
		if ec.Err() != nil {
			if !props.RunsOnError {
				continue
			}
			ec.EnterPhase(string(ph))
			e.runBestEffort(ctx, ec, ph)
			continue
		}
		e.runPhase(ctx, ec, ph, props)
	}

	if ec.Err() == nil {
		ec.Fire(engine.SignalExecutionSuccess)
	}
	e.terminal(ec)
	return ec.Err()
}

// runPhase runs one phase in normal mode, including the retry loop for
// retryable phases.
func (e *Executor) runPhase(ctx context.Context, ec *engine.Context, ph Phase, props Properties) {
	ec.EnterPhase(string(ph))
	maxAttempts := ec.Token().MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := e.runPlugins(ctx, ec, ph)
		d := time.Since(start)
		ec.RecordTiming(string(ph), d)
		e.observe(ec, ph, d, err)

		if err == nil {
			ec.Fire(engine.SignalPhaseSuccess)
			return
		}

		if props.Retryable && domain.IsRetryable(err) && attempt+1 < maxAttempts {
			ec.Fire(engine.SignalPhaseFailure)
			next := ec.Advance(func(t *engine.Token) { t.Attempt = attempt + 1 })
			delay := backoffDelay(attempt + 1)
			logging.Op().Warn("phase retry",
				"run_id", ec.RunID(), "phase", ph, "attempt", next.Attempt,
				"backoff", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				ec.SetError(domain.WrapError(domain.ErrTypeCancelled,
					"cancelled during retry backoff", ctx.Err()))
				ec.Fire(engine.SignalCancel)
				return
			}
			ec.Fire(engine.SignalStart)
			continue
		}

		if props.Critical {
			ec.SetError(err)
			ec.Fire(engine.SignalPhaseFailure)
			ec.Fire(engine.SignalRetryExhausted)
			logging.Op().Error("phase failed",
				"run_id", ec.RunID(), "phase", ph, "error", err)
			return
		}

		ec.AddNonFatal(string(ph), err)
		logging.Op().Warn("phase failed (absorbed)",
			"run_id", ec.RunID(), "phase", ph, "error", err)
		return
	}
}

// runPlugins invokes the phase's plugins in order. The first failure
// ends the phase, whether the plugin returned the error or set it on
// the envelope without returning.
func (e *Executor) runPlugins(ctx context.Context, ec *engine.Context, ph Phase) error {
	for _, p := range e.reg.PluginsFor(ph) {
		execErr := e.execPlugin(ctx, ec, p)
		slotErr := ec.TakeError()
		switch {
		case execErr == nil:
			execErr = slotErr
		case slotErr != nil && !errors.Is(execErr, slotErr):
			ec.AddNonFatal(string(ph), slotErr)
		}
		if execErr != nil {
			return fmt.Errorf("%s: %w", p.ID(), execErr)
		}
	}
	return nil
}

// runBestEffort runs a RunsOnError phase after the pipeline aborted.
// Cancellation is stripped from the context so audit and cleanup still
// reach their backends; every failure is absorbed.
func (e *Executor) runBestEffort(ctx context.Context, ec *engine.Context, ph Phase) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	for _, p := range e.reg.PluginsFor(ph) {
		if err := e.execPlugin(ctx, ec, p); err != nil {
			ec.AddNonFatal(string(ph), fmt.Errorf("%s: %w", p.ID(), err))
			logging.Op().Warn("best-effort plugin failed",
				"run_id", ec.RunID(), "phase", ph, "plugin", p.ID(), "error", err)
		}
	}
	d := time.Since(start)
	ec.RecordTiming(string(ph), d)
	e.observe(ec, ph, d, nil)
}

// execPlugin converts a plugin panic into an internal error.
func (e *Executor) execPlugin(ctx context.Context, ec *engine.Context, p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.ErrTypeInternal,
				fmt.Sprintf("plugin %s panicked: %v", p.ID(), r))
		}
	}()
	return p.Execute(ctx, ec)
}

func (e *Executor) observe(ec *engine.Context, ph Phase, d time.Duration, err error) {
	for _, o := range e.observers {
		o.OnPhase(ec, ph, d, err)
	}
}

func (e *Executor) terminal(ec *engine.Context) {
	st := ec.State()
	for _, o := range e.observers {
		o.OnTerminal(ec, st)
	}
}

// backoffDelay returns the wait before retry attempt n (n >= 1).
func backoffDelay(attempt int) time.Duration {
	ms := float64(retryBaseMS) * math.Pow(2, float64(attempt-1))
	if ms > retryCapMS {
		ms = retryCapMS
	}
	ms += ms * retryJitter * (2*rand.Float64() - 1)
	return time.Duration(ms) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
