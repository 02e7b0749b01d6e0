// Package clock provides the scheduling primitive used by the cooperative
// scheduler: an injected "run this later" capability with cancellation,
// plus a manual clock for deterministic tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a handle for a scheduled call. Cancel prevents the call from
// firing; it reports false if the call already fired or was cancelled.
type Timer interface {
	Cancel() bool
}

// Scheduler arranges for fn to be invoked after the given delay.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Timer
}

// System returns a Scheduler backed by the runtime timer wheel.
func System() Scheduler {
	return systemScheduler{}
}

type systemScheduler struct{}

func (systemScheduler) Schedule(delay time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(delay, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (st *systemTimer) Cancel() bool {
	return st.t.Stop()
}

// Clock is a manually advanced Scheduler for tests. Scheduled calls fire
// only when Advance or Pump moves the clock past their due time, on the
// goroutine calling Advance.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	calls []*clockCall
}

type clockCall struct {
	clock     *Clock
	due       time.Time
	fn        func()
	cancelled bool
	fired     bool
}

// NewClock creates a Clock starting at the zero time.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Schedule implements Scheduler.
func (c *Clock) Schedule(delay time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := &clockCall{clock: c, due: c.now.Add(delay), fn: fn}
	c.calls = append(c.calls, call)
	c.sortLocked()
	return call
}

// PendingCalls returns the number of scheduled calls that have neither
// fired nor been cancelled.
func (c *Clock) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if !call.fired && !call.cancelled {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every due call in order.
// Only calls pending when Advance was entered are considered: a call
// scheduled from inside a firing callback waits for the next Advance even
// if it is nominally due, so callback chains cannot collapse into a single
// Advance and each Advance observes a bounded set of fires.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	due := make([]*clockCall, 0, len(c.calls))
	for _, call := range c.calls {
		if !call.fired && !call.cancelled && !call.due.After(target) {
			due = append(due, call)
		}
	}
	for _, call := range due {
		// A callback may have cancelled a later due call.
		if call.fired || call.cancelled {
			continue
		}
		if call.due.After(c.now) {
			c.now = call.due
		}
		call.fired = true
		fn := call.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

// Pump advances the clock through each duration in timings.
func (c *Clock) Pump(timings []time.Duration) {
	for _, d := range timings {
		c.Advance(d)
	}
}

func (c *Clock) sortLocked() {
	sort.SliceStable(c.calls, func(i, j int) bool {
		return c.calls[i].due.Before(c.calls[j].due)
	})
}

func (c *Clock) compactLocked() {
	live := c.calls[:0]
	for _, call := range c.calls {
		if !call.fired && !call.cancelled {
			live = append(live, call)
		}
	}
	c.calls = live
}

func (cc *clockCall) Cancel() bool {
	cc.clock.mu.Lock()
	defer cc.clock.mu.Unlock()
	if cc.fired || cc.cancelled {
		return false
	}
	cc.cancelled = true
	return true
}
