package sched

import "time"

// TaskID identifies a registered task. IDs are assigned in registration
// order starting at zero and double as the resume priority: lower IDs
// are visited first in every pass.
type TaskID int

// Task is a unit of cooperative work driven by an Executor.
//
// Resume runs the task until it can make no further progress without an
// external event, then returns. The task keeps its state across calls;
// it runs again once something sets its wake flag. Resume must not
// block and must not be called by anyone but the executor.
type Task interface {
	// Name identifies the task in logs.
	Name() string
	// Resume performs one burst of work within an executor pass.
	Resume(*Pass)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(*Pass)
}

// Name implements Task.
func (t *TaskFunc) Name() string { return t.TaskName }

// Resume implements Task.
func (t *TaskFunc) Resume(p *Pass) { t.Fn(p) }

// Pass is handed to every task resumed during one executor pass.
type Pass struct {
	// Now is the single clock sample taken for the pass. All tasks
	// resumed in the same pass observe the same instant.
	Now time.Time

	exec    *Executor
	current TaskID
}

// Task returns the ID of the task currently being resumed.
func (p *Pass) Task() TaskID { return p.current }

// Wake sets another task's wake flag. Waking a task later in
// registration order resumes it within the current pass; waking an
// earlier one takes effect in the next pass.
func (p *Pass) Wake(id TaskID) { p.exec.Wake(id) }

// WakeAt arms the resumed task's deadline timer, replacing any pending
// deadline. A zero time disarms the timer. Tasks that juggle several
// timeouts track them internally and re-arm the earliest one before
// returning from Resume.
func (p *Pass) WakeAt(at time.Time) { p.exec.WakeAt(p.current, at) }
