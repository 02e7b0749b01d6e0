// Package sched implements a cooperative task scheduler. Many independent,
// iterator-driven tasks are interleaved on a single logical thread of
// control: each scheduler tick gives every active task a bounded slice of
// work, without spawning goroutines per task.
package sched

import (
	"sync"
	"time"

	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/promise"
	"github.com/weftio/weft/pkg/sched/clock"
	"github.com/weftio/weft/pkg/tracing"
)

// tickDelay is the epsilon between ticks; it keeps a manual test clock from
// re-running a rescheduled tick within the same Advance instant.
const tickDelay = time.Nanosecond

// TerminationPredicateFactory builds, per tick, the predicate consulted
// after each work unit to decide whether the tick should yield control back
// to the scheduling primitive.
type TerminationPredicateFactory func() func() bool

// defaultSlice bounds a tick's wall-clock time under the default predicate.
const defaultSlice = 10 * time.Millisecond

// TimeSlice returns a factory whose predicate stops the tick once d of
// wall-clock time has elapsed. This is the default policy.
func TimeSlice(d time.Duration) TerminationPredicateFactory {
	return func() func() bool {
		end := time.Now().Add(d)
		return func() bool {
			return !time.Now().Before(end)
		}
	}
}

// UnitLimit returns a factory whose predicate stops the tick after n work
// units, regardless of elapsed time. Useful for deterministic tests.
func UnitLimit(n int) TerminationPredicateFactory {
	return func() func() bool {
		units := 0
		return func() bool {
			units++
			return units >= n
		}
	}
}

// Cooperator distributes work among cooperative tasks. Each tick it
// round-robins over the active set, advancing every runnable task by one
// unit, until the termination predicate says to yield.
type Cooperator struct {
	mu sync.Mutex

	tasks []*CooperativeTask

	terminationFactory TerminationPredicateFactory
	scheduler          clock.Scheduler
	timer              clock.Timer // pending tick, nil when idle
	ticking            bool        // a tick is executing right now

	started             bool
	stopped             bool
	mustScheduleOnStart bool

	logger log.Logger

	ticks         int64
	tasksStarted  int64
	tasksFinished int64
	tasksFailed   int64
	tasksStopped  int64
}

// Option customizes a Cooperator.
type Option func(*Cooperator)

// WithTerminationPredicate replaces the default time-sliced predicate.
func WithTerminationPredicate(factory TerminationPredicateFactory) Option {
	return func(c *Cooperator) { c.terminationFactory = factory }
}

// WithScheduler replaces the scheduling primitive used to arrange ticks.
// Tests inject a *clock.Clock here.
func WithScheduler(s clock.Scheduler) Option {
	return func(c *Cooperator) { c.scheduler = s }
}

// WithStarted controls whether the cooperator accepts ticks immediately.
// When false, submitted work queues until Start is called.
func WithStarted(started bool) Option {
	return func(c *Cooperator) { c.started = started }
}

// WithLogger replaces the logger used to report task failures.
func WithLogger(l log.Logger) Option {
	return func(c *Cooperator) { c.logger = l }
}

// New creates a Cooperator. By default it is started, schedules ticks on
// the system timer and time-boxes each tick to 10ms.
func New(opts ...Option) *Cooperator {
	c := &Cooperator{
		terminationFactory: TimeSlice(defaultSlice),
		scheduler:          clock.System(),
		started:            true,
		logger:             log.NewDefault(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cooperate submits an iterator as a new cooperative task and returns its
// handle. On a stopped cooperator the task is created already terminated,
// its futures rejected with ErrSchedulerStopped, and the iterator is never
// advanced.
func (c *Cooperator) Cooperate(it Iterator) *CooperativeTask {
	t := &CooperativeTask{
		cooperator: c,
		iterator:   it,
		span:       tracing.Start("sched.task"),
	}
	c.mu.Lock()
	c.tasksStarted++
	pending := c.addTaskLocked(t)
	c.mu.Unlock()
	fireObservers(pending, nil, ErrSchedulerStopped)
	return t
}

// Coiterate is Cooperate for callers that only care about completion: it
// returns the task's completion future rather than the handle.
func (c *Cooperator) Coiterate(it Iterator) *promise.Deferred[Iterator] {
	return c.Cooperate(it).WhenDone()
}

// Start begins scheduling ticks. Work submitted before Start queues until
// the first tick. Starting a running cooperator returns ErrAlreadyStarted;
// a stopped cooperator is terminal and returns ErrSchedulerStopped.
func (c *Cooperator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrSchedulerStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	if c.mustScheduleOnStart {
		c.mustScheduleOnStart = false
		c.rescheduleLocked()
	}
	return nil
}

// Stop terminates the cooperator. Every active task's completion futures
// reject with ErrSchedulerStopped, the active set is cleared, and any
// pending tick is cancelled. Stop is terminal: the cooperator cannot be
// restarted, and a second Stop returns ErrSchedulerStopped.
func (c *Cooperator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrSchedulerStopped
	}
	c.stopped = true
	tasks := c.tasks
	c.tasks = nil
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	var pending []*promise.Deferred[Iterator]
	for _, t := range tasks {
		pending = append(pending, t.completeLocked(stateStopped, nil, ErrSchedulerStopped)...)
	}
	c.mu.Unlock()
	fireObservers(pending, nil, ErrSchedulerStopped)
	return nil
}

// Running reports whether Start has been called and Stop has not.
func (c *Cooperator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// SchedulerMetrics is a snapshot of scheduler counters, pulled by the
// observability integration.
type SchedulerMetrics struct {
	ActiveTasks   int
	Ticks         int64
	TasksStarted  int64
	TasksFinished int64
	TasksFailed   int64
	TasksStopped  int64
}

// Metrics returns a snapshot of the cooperator's counters.
func (c *Cooperator) Metrics() SchedulerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SchedulerMetrics{
		ActiveTasks:   len(c.tasks),
		Ticks:         c.ticks,
		TasksStarted:  c.tasksStarted,
		TasksFinished: c.tasksFinished,
		TasksFailed:   c.tasksFailed,
		TasksStopped:  c.tasksStopped,
	}
}

// addTaskLocked inserts t into the active set and arranges a tick. On a
// stopped cooperator it instead terminates the task; the caller must fire
// the returned observers with ErrSchedulerStopped after unlocking.
func (c *Cooperator) addTaskLocked(t *CooperativeTask) []*promise.Deferred[Iterator] {
	if c.stopped {
		return t.completeLocked(stateStopped, nil, ErrSchedulerStopped)
	}
	c.tasks = append(c.tasks, t)
	c.rescheduleLocked()
	return nil
}

// removeTaskLocked drops t from the active set. Removing the last task
// cancels the pending tick so an idle cooperator schedules nothing.
func (c *Cooperator) removeTaskLocked(t *CooperativeTask) {
	for i, other := range c.tasks {
		if other == t {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			break
		}
	}
	if len(c.tasks) == 0 && c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
}

// rescheduleLocked arranges the next tick. At most one tick is ever
// pending or executing: re-entrant submissions from completion callbacks
// must not double-schedule, and work submitted while a tick is looping
// rounds must wait for the tick-end reschedule, or two ticks would advance
// the same tasks concurrently.
func (c *Cooperator) rescheduleLocked() {
	if !c.started {
		c.mustScheduleOnStart = true
		return
	}
	if c.timer == nil && !c.ticking && len(c.tasks) > 0 && !c.stopped {
		c.timer = c.scheduler.Schedule(tickDelay, c.tick)
	}
}

// tick runs one scheduling pass in rounds. Every active task gets one work
// unit per round; the termination predicate is consulted after each unit
// but honored at round boundaries, so a tick services each active task at
// least once before yielding. Reschedules if any tasks remain.
func (c *Cooperator) tick() {
	c.mu.Lock()
	c.timer = nil
	c.ticking = true
	c.ticks++
	c.mu.Unlock()

	terminator := c.terminationFactory()
	for {
		round := c.activeSnapshot()
		if len(round) == 0 {
			break
		}
		yield := false
		for _, t := range round {
			t.oneWorkUnit()
			if terminator() {
				yield = true
			}
		}
		if yield {
			break
		}
	}

	c.mu.Lock()
	c.ticking = false
	c.rescheduleLocked()
	c.mu.Unlock()
}

// activeSnapshot copies the active set for one round. Tasks that pause or
// terminate mid-round are skipped by oneWorkUnit when their turn comes.
func (c *Cooperator) activeSnapshot() []*CooperativeTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || len(c.tasks) == 0 {
		return nil
	}
	return append([]*CooperativeTask(nil), c.tasks...)
}
