package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorker_RunsPassOnWake(t *testing.T) {
	t.Parallel()

	var entered, recovered, exited atomic.Int32
	w, err := Start(Config{
		Name:    "host0",
		Handler: HandlerFunc(func(context.Context) error { recovered.Add(1); return nil }),
		OnEnter: func() error { entered.Add(1); return nil },
		OnExit:  func() error { exited.Add(1); return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Wake()
	waitFor(t, func() bool { return exited.Load() == 1 }, "pass did not complete")

	if entered.Load() != 1 || recovered.Load() != 1 {
		t.Errorf("entered=%d recovered=%d, want 1/1", entered.Load(), recovered.Load())
	}
}

func TestWorker_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	var done atomic.Bool
	w, err := Start(Config{
		Name: "host1",
		Handler: HandlerFunc(func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("still broken")
			}
			return nil
		}),
		OnExit:        func() error { done.Store(true); return nil },
		MaxAttempts:   5,
		RetryInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Wake()
	waitFor(t, func() bool { return done.Load() }, "pass did not complete")

	if got := attempts.Load(); got != 3 {
		t.Errorf("handler attempts = %d, want 3", got)
	}
}

func TestWorker_SkipsPassWhenEnterFails(t *testing.T) {
	t.Parallel()

	var ran atomic.Bool
	var skipped atomic.Bool
	w, err := Start(Config{
		Name:    "host2",
		Handler: HandlerFunc(func(context.Context) error { ran.Store(true); return nil }),
		OnEnter: func() error { skipped.Store(true); return errors.New("removal in progress") },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Wake()
	waitFor(t, func() bool { return skipped.Load() }, "OnEnter never called")
	time.Sleep(20 * time.Millisecond)

	if ran.Load() {
		t.Error("handler must not run when OnEnter fails")
	}
}

func TestWorker_DeadlineBoundsPass(t *testing.T) {
	t.Parallel()

	var done atomic.Bool
	w, err := Start(Config{
		Name:     "host3",
		Handler:  HandlerFunc(func(context.Context) error { return errors.New("never recovers") }),
		OnExit:   func() error { done.Store(true); return nil },
		Deadline: 50 * time.Millisecond,
		// enough nominal attempts that only the deadline can end the pass
		MaxAttempts:   1000,
		RetryInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	start := time.Now()
	w.Wake()
	waitFor(t, func() bool { return done.Load() }, "pass did not end")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("pass took %v, deadline should have ended it quickly", elapsed)
	}
}

func TestWorker_StopIdempotentAndJoins(t *testing.T) {
	t.Parallel()

	w, err := Start(Config{Name: "host4"})
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop() // must not panic or hang
}

func TestWorker_CoalescesWakes(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var passes atomic.Int32
	w, err := Start(Config{
		Name:   "host5",
		OnPass: func() { passes.Add(1); <-gate },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Wake()
	waitFor(t, func() bool { return passes.Load() == 1 }, "first pass never started")
	// wakes during an active pass collapse into at most one more pass
	for i := 0; i < 10; i++ {
		w.Wake()
	}
	close(gate)
	waitFor(t, func() bool { return passes.Load() >= 2 }, "coalesced wake never ran")
	time.Sleep(20 * time.Millisecond)
	if got := passes.Load(); got > 2 {
		t.Errorf("passes = %d, want at most 2", got)
	}
}
