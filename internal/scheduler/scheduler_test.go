package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestRunPeriodic_CancelStopsCalls tests that no call happens after Cancel returns and the goroutine exits.
func TestRunPeriodic_CancelStopsCalls(t *testing.T) {
	s := New()
	defer s.Close()

	var calls atomic.Int32
	h := s.RunPeriodic(time.Millisecond, func() { calls.Add(1) })

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls.Load())
	}

	h.Cancel()
	h.Cancel()
	time.Sleep(10 * time.Millisecond)

	settled := calls.Load()
	time.Sleep(20 * time.Millisecond)

	if calls.Load() != settled {
		t.Fatalf("calls continued after cancel: %d -> %d", settled, calls.Load())
	}

	if s.Pending() != 0 {
		t.Fatalf("expected no pending tasks, got %d", s.Pending())
	}
}

// TestRunOnce tests delayed execution and cancellation before the delay.
func TestRunOnce(t *testing.T) {
	s := New()
	defer s.Close()

	fired := make(chan struct{})
	s.RunOnce(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot task did not fire")
	}

	var cancelled atomic.Bool
	h := s.RunOnce(50*time.Millisecond, func() { cancelled.Store(true) })
	h.Cancel()

	time.Sleep(80 * time.Millisecond)

	if cancelled.Load() {
		t.Fatal("cancelled task fired")
	}
}

// TestClose_RefusesNewTasks tests that a closed scheduler returns inert handles.
func TestClose_RefusesNewTasks(t *testing.T) {
	s := New()
	s.RunPeriodic(time.Hour, func() {})
	s.Close()

	var ran atomic.Bool
	h := s.RunOnce(0, func() { ran.Store(true) })
	h.Cancel()

	time.Sleep(5 * time.Millisecond)

	if ran.Load() {
		t.Fatal("task scheduled after Close ran")
	}
}
