package sched

import (
	"github.com/weftio/weft/pkg/promise"
	"github.com/weftio/weft/pkg/tracing"
)

type taskState int

const (
	stateRunning taskState = iota
	stateStopped
	stateFinished
	stateFailed
)

// CooperativeTask is a unit of scheduled work inside a Cooperator. It can be
// paused, resumed and stopped, and its completion can be observed through
// WhenDone.
//
// All state is guarded by the owning cooperator's lock; tasks are a monitor
// over their cooperator.
type CooperativeTask struct {
	cooperator *Cooperator
	iterator   Iterator

	pauseCount int
	state      taskState
	result     Iterator
	err        error
	observers  []*promise.Deferred[Iterator]

	span *tracing.Span
}

// WhenDone returns a new completion future for this task. The future
// resolves with the task's iterator when the sequence is exhausted, or
// rejects with the iterator's error, ErrTaskStopped or ErrSchedulerStopped.
// Every call returns an independent future; each settles exactly once.
func (t *CooperativeTask) WhenDone() *promise.Deferred[Iterator] {
	c := t.cooperator
	c.mu.Lock()
	if t.state != stateRunning {
		result, err := t.result, t.err
		c.mu.Unlock()
		if err != nil {
			return promise.Rejected[Iterator](err)
		}
		return promise.Resolved(result)
	}
	d := promise.New[Iterator]()
	t.observers = append(t.observers, d)
	c.mu.Unlock()
	return d
}

// Pause stops the task from doing work until Resume is called. Pause nests:
// N calls require N Resume calls before the task advances again.
// It returns the task's terminal error if the task already completed.
func (t *CooperativeTask) Pause() error {
	c := t.cooperator
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := t.terminalErrLocked(); err != nil {
		return err
	}
	t.pauseCount++
	if t.pauseCount == 1 {
		c.removeTaskLocked(t)
	}
	return nil
}

// Resume undoes one Pause. It returns ErrNotPaused when the pause count is
// already zero. Resuming never advances the iterator directly; the next
// scheduler tick does.
func (t *CooperativeTask) Resume() error {
	c := t.cooperator
	c.mu.Lock()
	if t.pauseCount == 0 {
		c.mu.Unlock()
		return ErrNotPaused
	}
	t.pauseCount--
	if t.pauseCount > 0 || t.state != stateRunning {
		c.mu.Unlock()
		return nil
	}
	// Back into the active set. On a stopped cooperator this completes the
	// task with ErrSchedulerStopped instead.
	pending := c.addTaskLocked(t)
	c.mu.Unlock()
	fireObservers(pending, nil, ErrSchedulerStopped)
	return nil
}

// Stop terminates the task immediately. Its completion futures reject with
// ErrTaskStopped. A second Stop returns an error reflecting the actual
// terminal state: ErrTaskDone if it finished in between, ErrTaskFailed if it
// errored, ErrTaskStopped otherwise.
func (t *CooperativeTask) Stop() error {
	c := t.cooperator
	c.mu.Lock()
	if err := t.terminalErrLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	pending := t.completeLocked(stateStopped, nil, ErrTaskStopped)
	c.mu.Unlock()
	fireObservers(pending, nil, ErrTaskStopped)
	return nil
}

// State reports the task's lifecycle state as a label.
func (t *CooperativeTask) State() string {
	c := t.cooperator
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.state {
	case stateStopped:
		return "stopped"
	case stateFinished:
		return "finished"
	case stateFailed:
		return "failed"
	}
	if t.pauseCount > 0 {
		return "paused"
	}
	return "running"
}

// terminalErrLocked maps a terminal state to the error reported when a
// caller acts on a task that already completed.
func (t *CooperativeTask) terminalErrLocked() error {
	switch t.state {
	case stateFinished:
		return ErrTaskDone
	case stateFailed:
		return ErrTaskFailed
	case stateStopped:
		if t.err != nil && t.err != ErrTaskStopped {
			return t.err
		}
		return ErrTaskStopped
	}
	return nil
}

// completeLocked moves the task to a terminal state and detaches it from
// the cooperator. The caller must hold the cooperator lock and fire the
// returned observers after releasing it: an observer may re-enter the
// cooperator (stop it, stop this task again, submit new work), which is
// only safe once the task is already gone from the active set.
func (t *CooperativeTask) completeLocked(state taskState, result Iterator, err error) []*promise.Deferred[Iterator] {
	t.state = state
	t.result = result
	t.err = err
	if t.pauseCount == 0 {
		t.cooperator.removeTaskLocked(t)
	}
	switch state {
	case stateFinished:
		t.cooperator.tasksFinished++
	case stateFailed:
		t.cooperator.tasksFailed++
	case stateStopped:
		t.cooperator.tasksStopped++
	}
	observers := t.observers
	t.observers = nil
	if t.span != nil {
		t.span.Done(stateLabel(state), err)
		t.span = nil
	}
	return observers
}

// oneWorkUnit advances the task's iterator by a single step. Called by the
// cooperator's tick loop without the lock held, since the iterator is
// arbitrary application code that may re-enter the scheduler.
func (t *CooperativeTask) oneWorkUnit() {
	c := t.cooperator
	c.mu.Lock()
	if t.state != stateRunning || t.pauseCount > 0 {
		c.mu.Unlock()
		return
	}
	it := t.iterator
	c.mu.Unlock()

	value, err := it.Next()
	switch {
	case err == nil:
		if awaitable, ok := value.(Awaitable); ok {
			t.park(awaitable)
		}
	case err == Exhausted:
		c.mu.Lock()
		pending := t.completeLocked(stateFinished, it, nil)
		c.mu.Unlock()
		fireObservers(pending, it, nil)
	default:
		c.logger.Errorf("task failed: %v", err)
		c.mu.Lock()
		pending := t.completeLocked(stateFailed, nil, err)
		c.mu.Unlock()
		fireObservers(pending, nil, err)
	}
}

// park pauses the task until the awaited value settles. Settlement resumes
// the task; a settlement error fails it.
func (t *CooperativeTask) park(awaitable Awaitable) {
	if err := t.Pause(); err != nil {
		return
	}
	awaitable.AddObserver(func(_ interface{}, err error) {
		if err != nil {
			c := t.cooperator
			c.mu.Lock()
			if t.state != stateRunning {
				c.mu.Unlock()
				return
			}
			pending := t.completeLocked(stateFailed, nil, err)
			c.mu.Unlock()
			fireObservers(pending, nil, err)
			return
		}
		_ = t.Resume()
	})
}

func stateLabel(state taskState) string {
	switch state {
	case stateFinished:
		return "finished"
	case stateFailed:
		return "failed"
	case stateStopped:
		return "stopped"
	}
	return "running"
}

func fireObservers(observers []*promise.Deferred[Iterator], result Iterator, err error) {
	for _, d := range observers {
		if err != nil {
			_ = d.Reject(err)
		} else {
			_ = d.Resolve(result)
		}
	}
}
