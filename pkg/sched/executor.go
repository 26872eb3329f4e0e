package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Executor drives a fixed set of cooperative tasks on one goroutine.
//
// The task set is assembled with Register before Run starts and is
// fixed from then on. Wake is safe from any goroutine and from inside
// a Resume. Each pass samples the clock once, fires due deadline
// timers, then resumes every task whose wake flag is set, in
// registration order. The flag is cleared before the resume, so a
// wake arriving while the task runs is kept for the next pass rather
// than lost.
//
// A panic inside a task is not recovered. Tasks share protocol and
// pool state, and that state cannot be trusted after an aborted
// resume; the process dies and restarts clean.
type Executor struct {
	mu      sync.Mutex
	entries []*taskEntry
	started atomic.Bool
	bell    chan struct{}
}

type taskEntry struct {
	id   TaskID
	task Task
	wake atomic.Bool
	// deadline is the pending timer wake, zero when unarmed.
	// Guarded by Executor.mu.
	deadline time.Time
}

// New creates an executor with an empty task set.
func New() *Executor {
	return &Executor{bell: make(chan struct{}, 1)}
}

// Register adds a task and returns its ID. The task set is fixed once
// Run has been called; registering after that is a startup ordering
// defect and panics.
func (e *Executor) Register(t Task) TaskID {
	if e.started.Load() {
		panic("sched: Register after Run, task set is fixed at startup")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := TaskID(len(e.entries))
	e.entries = append(e.entries, &taskEntry{id: id, task: t})
	glog.V(2).Infof("sched: task %d is %s", id, t.Name())
	return id
}

// Tasks returns the number of registered tasks.
func (e *Executor) Tasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Wake sets the task's wake flag and rings the doorbell. Multiple
// wakes before the task runs coalesce into one resume.
func (e *Executor) Wake(id TaskID) {
	e.entries[id].wake.Store(true)
	e.ring()
}

// WakeAt arms the task's deadline timer, replacing any pending
// deadline. A zero time disarms it. When the deadline passes, the
// executor sets the wake flag exactly as Wake would.
func (e *Executor) WakeAt(id TaskID, at time.Time) {
	e.mu.Lock()
	e.entries[id].deadline = at
	e.mu.Unlock()
	e.ring()
}

func (e *Executor) ring() {
	select {
	case e.bell <- struct{}{}:
	default:
	}
}

// Poll runs a single pass at the given instant and reports how many
// tasks were resumed. Run calls it in a loop; tests and embedders may
// drive it directly with a synthetic clock, but never concurrently
// with Run.
func (e *Executor) Poll(now time.Time) int {
	e.expire(now)
	pass := &Pass{Now: now, exec: e}
	resumed := 0
	for _, ent := range e.entries {
		if ent.wake.Swap(false) {
			pass.current = ent.id
			ent.task.Resume(pass)
			resumed++
		}
	}
	return resumed
}

// expire converts due deadlines into wake flags.
func (e *Executor) expire(now time.Time) {
	e.mu.Lock()
	for _, ent := range e.entries {
		if !ent.deadline.IsZero() && !ent.deadline.After(now) {
			ent.deadline = time.Time{}
			ent.wake.Store(true)
		}
	}
	e.mu.Unlock()
}

// nextDeadline returns the earliest armed deadline, zero when none.
func (e *Executor) nextDeadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	var next time.Time
	for _, ent := range e.entries {
		if ent.deadline.IsZero() {
			continue
		}
		if next.IsZero() || ent.deadline.Before(next) {
			next = ent.deadline
		}
	}
	return next
}

// Run drives passes until ctx is cancelled, idling between bursts of
// work. Cancellation is the power switch: Run returns ctx.Err() and
// tasks simply stop being resumed.
func (e *Executor) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		panic("sched: executor started twice")
	}
	glog.V(1).Infof("sched: running %d tasks", e.Tasks())

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		for e.Poll(time.Now()) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		var expiry <-chan time.Time
		if next := e.nextDeadline(); !next.IsZero() {
			timer.Reset(time.Until(next))
			expiry = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.bell:
		case <-expiry:
		}
		if expiry != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}
