package sched

import "errors"

var (
	// ErrSchedulerStopped rejects pending and newly submitted work once Stop
	// has been called on the cooperator. Expected control flow, not a bug.
	ErrSchedulerStopped = errors.New("sched: scheduler stopped")

	// ErrAlreadyStarted is returned by Start on a cooperator that is
	// already running.
	ErrAlreadyStarted = errors.New("sched: scheduler already started")

	// ErrTaskDone is returned when acting on a task that completed normally.
	ErrTaskDone = errors.New("sched: task already completed")

	// ErrTaskStopped is returned when acting on a task that was stopped, and
	// rejects the completion futures of a stopped task.
	ErrTaskStopped = errors.New("sched: task stopped")

	// ErrTaskFailed is returned when acting on a task that terminated with
	// an unhandled iterator error.
	ErrTaskFailed = errors.New("sched: task failed")

	// ErrNotPaused is returned by Resume on a task whose pause count is zero.
	ErrNotPaused = errors.New("sched: task is not paused")

	// Exhausted is the sentinel an Iterator returns from Next when it has no
	// more work. It ends the task successfully, like io.EOF ends a read.
	Exhausted = errors.New("sched: iterator exhausted")
)
