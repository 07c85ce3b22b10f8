package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/helioslabs/helios/internal/domain"
)

func newCtx() *Context {
	req := &domain.InferenceRequest{RequestID: "req_9", TenantID: "default", Model: "m"}
	return NewContext(req, Token{RunID: "run_9", TenantID: "default", NodeID: "node_test", MaxAttempts: 3})
}

func TestContextFireSyncsToken(t *testing.T) {
	c := newCtx()
	if c.Token().State != StateCreated {
		t.Fatalf("seed state = %s", c.Token().State)
	}
	if _, err := c.Fire(SignalStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if c.Token().State != StateRunning {
		t.Errorf("token state = %s, want RUNNING", c.Token().State)
	}
	if c.State() != StateRunning {
		t.Errorf("machine state = %s", c.State())
	}
}

func TestContextSuspendSyncsToken(t *testing.T) {
	c := newCtx()
	c.Fire(SignalStart)
	if _, err := c.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if c.Token().State != StateSuspended {
		t.Errorf("token state = %s, want SUSPENDED", c.Token().State)
	}
}

func TestSetErrorFirstWins(t *testing.T) {
	c := newCtx()
	first := errors.New("first")
	second := errors.New("second")
	c.SetError(first)
	c.SetError(second)
	if c.Err() != first {
		t.Errorf("Err = %v, want first", c.Err())
	}
	nf := c.NonFatal()
	if len(nf) != 1 || nf[0].Err != second {
		t.Errorf("nonFatal = %+v, want the second error", nf)
	}
}

func TestTakeErrorClearsSlot(t *testing.T) {
	c := newCtx()
	boom := errors.New("boom")
	c.SetError(boom)
	if got := c.TakeError(); got != boom {
		t.Fatalf("TakeError = %v", got)
	}
	if c.Err() != nil {
		t.Error("slot should be empty after TakeError")
	}
}

func TestVarsAndTypedAccessor(t *testing.T) {
	c := newCtx()
	c.SetVar("count", 42)
	if v, ok := VarAs[int](c, "count"); !ok || v != 42 {
		t.Errorf("VarAs[int] = %v, %v", v, ok)
	}
	if _, ok := VarAs[string](c, "count"); ok {
		t.Error("wrong type assertion should report !ok")
	}
	if _, ok := VarAs[int](c, "missing"); ok {
		t.Error("missing key should report !ok")
	}
}

func TestTimingsAccumulate(t *testing.T) {
	c := newCtx()
	c.RecordTiming("ROUTE", 10*time.Millisecond)
	c.RecordTiming("ROUTE", 5*time.Millisecond)
	if got := c.Timings()["ROUTE"]; got != 15*time.Millisecond {
		t.Errorf("ROUTE timing = %s, want 15ms", got)
	}
}

func TestEnterPhasePublishesPhase(t *testing.T) {
	c := newCtx()
	tok := c.EnterPhase("VALIDATE")
	if tok.Phase != "VALIDATE" {
		t.Errorf("token phase = %s", tok.Phase)
	}
	if c.Token().Phase != "VALIDATE" {
		t.Errorf("published phase = %s", c.Token().Phase)
	}
}

func TestMetaCopyIsolated(t *testing.T) {
	c := newCtx()
	c.SetMeta("provider", "echo")
	m := c.Meta()
	m["provider"] = "mutated"
	if c.Meta()["provider"] != "echo" {
		t.Error("Meta must return a copy")
	}
}
