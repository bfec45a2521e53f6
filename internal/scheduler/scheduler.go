// Package scheduler runs periodic and one-shot callbacks with explicit cancellation.
package scheduler

import (
	"sync"
	"time"
)

// Handle cancels a scheduled task. Cancel is idempotent and safe to call
// from within the task's own callback.
type Handle interface {
	Cancel()
}

// Scheduler runs callbacks on background goroutines.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[*task]struct{} // tasks are the live tasks, for Close
	closed  bool
	running sync.WaitGroup
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[*task]struct{})}
}

// task is one scheduled callback.
type task struct {
	owner *Scheduler
	stop  chan struct{}
	once  sync.Once
}

// Cancel stops the task. A callback already running is not interrupted.
func (t *task) Cancel() {
	t.once.Do(func() {
		close(t.stop)

		t.owner.mu.Lock()
		delete(t.owner.tasks, t)
		t.owner.mu.Unlock()
	})
}

// RunPeriodic calls fn every interval until the handle is cancelled.
// The first call happens immediately.
func (s *Scheduler) RunPeriodic(interval time.Duration, fn func()) Handle {
	t := s.register()
	if t == nil {
		return noop{}
	}

	go func() {
		defer s.running.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			default:
			}

			fn()

			select {
			case <-ticker.C:
			case <-t.stop:
				return
			}
		}
	}()

	return t
}

// RunOnce calls fn once after delay unless the handle is cancelled first.
func (s *Scheduler) RunOnce(delay time.Duration, fn func()) Handle {
	t := s.register()
	if t == nil {
		return noop{}
	}

	go func() {
		defer s.running.Done()
		defer t.Cancel()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			fn()
		case <-t.stop:
		}
	}()

	return t
}

// Pending returns the number of live tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// Close cancels every task and waits for their goroutines to exit.
// Tasks scheduled after Close never run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*task, 0, len(s.tasks))
	for t := range s.tasks {
		live = append(live, t)
	}
	s.mu.Unlock()

	for _, t := range live {
		t.Cancel()
	}

	s.running.Wait()
}

// register adds a task, or returns nil once the scheduler is closed.
func (s *Scheduler) register() *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	t := &task{owner: s, stop: make(chan struct{})}
	s.tasks[t] = struct{}{}
	s.running.Add(1)

	return t
}

// noop is returned for tasks refused by a closed scheduler.
type noop struct{}

// Cancel does nothing.
func (noop) Cancel() {}
