// Package sched implements the cooperative executor at the core of the
// device runtime.
package sched

// The runtime is organized the way firmware is: a fixed set of tasks
// shares a single goroutine and an executor resumes whichever tasks
// have their wake flag set, in registration order. Driver goroutines
// play the role of interrupt handlers: they never touch task state,
// they only set wake flags.
//
// A task suspends by returning from Resume and keeps all of its state
// across suspensions. Anything a task shares with a driver goroutine
// must be handed over through a queue or owned exclusively; the
// executor itself guarantees task code never runs concurrently with
// other task code.
