package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

// TestOpensAfterThreshold verifies that consecutive failures reaching the
// threshold open the circuit and that further calls are rejected without
// invoking the wrapped function.
func TestOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		if err := b.Call(failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold failures = %v, want open", got)
	}

	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("call while open: got %v, want ErrOpen", err)
	}
	if invoked {
		t.Fatal("wrapped function invoked while breaker open")
	}
}

// TestHalfOpenProbeSuccessCloses verifies that after the recovery timeout one
// trial call is permitted and its success closes the circuit with the failure
// counter reset.
func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: 20 * time.Millisecond})

	_ = b.Call(failing)
	_ = b.Call(failing)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Call(succeeding); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
	if got := b.FailureCount(); got != 0 {
		t.Fatalf("failure count after successful probe = %d, want 0", got)
	}
}

// TestHalfOpenProbeFailureReopens verifies that a failed trial call re-opens
// the circuit and restarts the cool-down clock.
func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})

	_ = b.Call(failing)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Call(failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe call: got %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// Cool-down restarted: an immediate call must be rejected again.
	if err := b.Call(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("call during restarted cool-down: got %v, want ErrOpen", err)
	}
}

// TestSuccessResetsCounter verifies that a success in the closed state resets
// the consecutive-failure counter so intermittent failures never open the
// circuit.
func TestSuccessResetsCounter(t *testing.T) {
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	for i := 0; i < 5; i++ {
		_ = b.Call(failing)
		_ = b.Call(succeeding)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if got := b.FailureCount(); got != 0 {
		t.Fatalf("failure count = %d, want 0", got)
	}
}

// TestStateChangeHook verifies transitions are reported to the hook.
func TestStateChangeHook(t *testing.T) {
	type change struct{ from, to State }
	var changes []change
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		OnStateChange:    func(from, to State) { changes = append(changes, change{from, to}) },
	})

	_ = b.Call(failing)
	time.Sleep(20 * time.Millisecond)
	_ = b.Call(succeeding)

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("got %d transitions, want %d: %v", len(changes), len(want), changes)
	}
	for i, w := range want {
		if changes[i] != w {
			t.Errorf("transition %d = %v, want %v", i, changes[i], w)
		}
	}
}
