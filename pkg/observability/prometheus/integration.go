package prometheus

import (
	"time"

	"github.com/weftio/weft/pkg/promise"
	"github.com/weftio/weft/pkg/sched"
	"github.com/weftio/weft/pkg/sched/clock"
)

// UpdateSchedulerMetrics publishes a cooperator's counters.
func UpdateSchedulerMetrics(c *sched.Cooperator) {
	m := GetMetrics()
	snapshot := c.Metrics()

	m.SchedulerActiveTasks.Set(float64(snapshot.ActiveTasks))
	m.SchedulerTicks.Set(float64(snapshot.Ticks))
	m.SchedulerTasksStarted.Set(float64(snapshot.TasksStarted))
	m.SchedulerTasksCompleted.WithLabelValues("finished").Set(float64(snapshot.TasksFinished))
	m.SchedulerTasksCompleted.WithLabelValues("failed").Set(float64(snapshot.TasksFailed))
	m.SchedulerTasksCompleted.WithLabelValues("stopped").Set(float64(snapshot.TasksStopped))
}

// SchedulerPoller returns a sched.Iterator that republishes the
// cooperator's metrics on every scheduler round, so metric freshness rides
// on the scheduler itself. The iterator never exhausts; stop its task to
// stop polling.
func SchedulerPoller(c *sched.Cooperator) sched.Iterator {
	return sched.IteratorFunc(func() (interface{}, error) {
		UpdateSchedulerMetrics(c)
		return nil, nil
	})
}

// SchedulerPollerEvery is SchedulerPoller with a pause between refreshes:
// after each refresh the task parks on a timer, so an otherwise idle
// scheduler stays idle instead of ticking for the poller alone.
func SchedulerPollerEvery(c *sched.Cooperator, interval time.Duration, timers clock.Scheduler) sched.Iterator {
	return sched.IteratorFunc(func() (interface{}, error) {
		UpdateSchedulerMetrics(c)
		d := promise.New[any]()
		timers.Schedule(interval, func() { _ = d.Resolve(nil) })
		return d, nil
	})
}
