package ticker_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/epochmq/internal/ticker"
	"github.com/snehjoshi/epochmq/internal/types"
)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestTicker_NeverOverlaps(t *testing.T) {
	var running, overlaps, runs atomic.Int32
	tk := ticker.New("t", time.Millisecond, func(context.Context) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return nil
	})

	errc := make(chan error, 1)
	go func() { errc <- tk.Run(context.Background()) }()

	if !waitFor(t, func() bool { return runs.Load() >= 5 }, 2*time.Second) {
		t.Fatalf("expected at least 5 runs, got %d", runs.Load())
	}
	if err := tk.StopAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if overlaps.Load() != 0 {
		t.Fatalf("detected %d overlapping invocations", overlaps.Load())
	}
}

func TestTicker_StopHonouredAfterCurrentInvocation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var calls atomic.Int32

	tk := ticker.New("t", time.Hour, func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			finished.Store(true)
		}
		return nil
	})
	go func() { _ = tk.Run(context.Background()) }()

	<-started
	tk.Stop()
	select {
	case <-tk.Done():
		t.Fatal("Run returned while an invocation was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}
	if !finished.Load() {
		t.Fatal("invocation was cut short")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one invocation, got %d", calls.Load())
	}
}

func TestTicker_CancellationDoesNotReachInvocation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var sawCancel atomic.Bool

	tk := ticker.New("t", time.Hour, func(ictx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		sawCancel.Store(ictx.Err() != nil)
		return nil
	})
	errc := make(chan error, 1)
	go func() { errc <- tk.Run(ctx) }()

	<-started
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if sawCancel.Load() {
		t.Fatal("invocation context must not be cancelled by shutdown")
	}
}

func TestTicker_FatalErrorStopsLoop(t *testing.T) {
	var calls atomic.Int32
	boom := fmt.Errorf("bad message: %w", types.ErrInvariantViolation)
	tk := ticker.New("t", time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return boom
	})
	err := tk.Run(context.Background())
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestTicker_TransientErrorsContinue(t *testing.T) {
	var calls atomic.Int32
	tk := ticker.New("t", time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return &types.StorageError{Op: "exec", Err: errors.New("connection reset")}
	})
	go func() { _ = tk.Run(context.Background()) }()

	if !waitFor(t, func() bool { return calls.Load() >= 3 }, 2*time.Second) {
		t.Fatalf("loop stopped after transient error, calls=%d", calls.Load())
	}
	_ = tk.StopAndWait(context.Background())
}
