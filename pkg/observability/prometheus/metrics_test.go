package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/sched"
	"github.com/weftio/weft/pkg/sched/clock"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordThrottle("read")
	m.RecordThrottle("read")
	m.RecordUnthrottle("read")
	m.BytesReadTotal.Add(1500)

	if got := testutil.ToFloat64(m.ThrottleEventsTotal.WithLabelValues("read")); got != 2 {
		t.Errorf("throttle events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UnthrottleEventsTotal.WithLabelValues("read")); got != 1 {
		t.Errorf("unthrottle events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesReadTotal); got != 1500 {
		t.Errorf("bytes read = %v, want 1500", got)
	}
}

func TestUpdateSchedulerMetrics(t *testing.T) {
	clk := clock.NewClock()
	c := sched.New(
		sched.WithScheduler(clk),
		sched.WithTerminationPredicate(sched.UnitLimit(1)),
		sched.WithLogger(log.Nop()),
	)

	c.Coiterate(sched.RangeIterator(2))
	clk.Advance(time.Microsecond)
	clk.Advance(time.Microsecond)
	clk.Advance(time.Microsecond)

	UpdateSchedulerMetrics(c)
	m := GetMetrics()

	if got := testutil.ToFloat64(m.SchedulerTasksStarted); got != 1 {
		t.Errorf("tasks started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SchedulerTasksCompleted.WithLabelValues("finished")); got != 1 {
		t.Errorf("tasks finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SchedulerActiveTasks); got != 0 {
		t.Errorf("active tasks = %v, want 0", got)
	}
}

func TestSchedulerPollerEvery_ParksBetweenRefreshes(t *testing.T) {
	clk := clock.NewClock()
	c := sched.New(
		sched.WithScheduler(clk),
		sched.WithTerminationPredicate(sched.UnitLimit(1)),
		sched.WithLogger(log.Nop()),
	)

	task := c.Cooperate(SchedulerPollerEvery(c, 10*time.Second, clk))

	clk.Advance(time.Microsecond)
	if task.State() != "paused" {
		t.Fatalf("poller state after first refresh = %s", task.State())
	}
	// Only the refresh timer remains; an idle scheduler schedules no ticks.
	if got := clk.PendingCalls(); got != 1 {
		t.Fatalf("pending calls while parked = %d, want 1", got)
	}

	ticksBefore := c.Metrics().Ticks
	clk.Advance(10 * time.Second) // timer resolves, poller rejoins the set
	clk.Advance(time.Microsecond) // the rescheduled tick refreshes
	if got := c.Metrics().Ticks; got <= ticksBefore {
		t.Fatalf("interval elapsed but no refresh tick ran: %d -> %d", ticksBefore, got)
	}
	if task.State() != "paused" {
		t.Fatalf("poller state after second refresh = %s", task.State())
	}

	if err := task.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
