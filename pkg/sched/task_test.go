package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weftio/weft/pkg/promise"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTask_PauseStackDiscipline(t *testing.T) {
	c, clk := newTestCooperator()

	var worked []int
	task := c.Cooperate(recordingIterator(&worked, 1, 2, 3))

	const n = 3
	for i := 0; i < n; i++ {
		if err := task.Pause(); err != nil {
			t.Fatalf("Pause %d failed: %v", i+1, err)
		}
	}
	if task.State() != "paused" {
		t.Fatalf("state = %s", task.State())
	}

	clk.Advance(step)
	if len(worked) != 0 {
		t.Fatalf("paused task advanced: %v", worked)
	}

	// N pauses require exactly N resumes.
	for i := 0; i < n-1; i++ {
		if err := task.Resume(); err != nil {
			t.Fatalf("Resume %d failed: %v", i+1, err)
		}
		clk.Advance(step)
		if len(worked) != 0 {
			t.Fatalf("task advanced after %d of %d resumes: %v", i+1, n, worked)
		}
	}
	if err := task.Resume(); err != nil {
		t.Fatalf("final Resume failed: %v", err)
	}
	clk.Advance(step)
	if len(worked) != 1 {
		t.Fatalf("resumed task did not advance: %v", worked)
	}

	// The (N+1)-th resume is an error.
	if err := task.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestTask_ResumeUnpausedFails(t *testing.T) {
	c, _ := newTestCooperator()
	task := c.Cooperate(RangeIterator(1))
	if err := task.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestTask_TerminalIdempotence(t *testing.T) {
	c, clk := newTestCooperator()

	// Stopped twice: second call reports the stop.
	task := c.Cooperate(RangeIterator(10))
	if err := task.Stop(); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := task.Stop(); !errors.Is(err, ErrTaskStopped) {
		t.Fatalf("second Stop: expected ErrTaskStopped, got %v", err)
	}

	// Finished naturally: Stop reports completion.
	done := c.Cooperate(RangeIterator(1))
	clk.Advance(step)
	clk.Advance(step)
	if done.State() != "finished" {
		t.Fatalf("state = %s", done.State())
	}
	if err := done.Stop(); !errors.Is(err, ErrTaskDone) {
		t.Fatalf("Stop after finish: expected ErrTaskDone, got %v", err)
	}
	if err := done.Pause(); !errors.Is(err, ErrTaskDone) {
		t.Fatalf("Pause after finish: expected ErrTaskDone, got %v", err)
	}

	// Failed: Stop reports the failure.
	failed := c.Cooperate(IteratorFunc(func() (interface{}, error) {
		return nil, errors.New("boom")
	}))
	clk.Advance(step)
	if failed.State() != "failed" {
		t.Fatalf("state = %s", failed.State())
	}
	if err := failed.Stop(); !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("Stop after failure: expected ErrTaskFailed, got %v", err)
	}
}

func TestTask_WhenDoneIndependentFutures(t *testing.T) {
	c, clk := newTestCooperator()

	task := c.Cooperate(RangeIterator(1))
	d1 := task.WhenDone()
	d2 := task.WhenDone()
	if d1 == d2 {
		t.Fatal("WhenDone returned the same future twice")
	}

	var first, second Iterator
	d1.AddObserver(func(it Iterator, err error) {
		first = it
	})
	d2.AddObserver(func(it Iterator, err error) {
		second = it
	})

	clk.Advance(step)
	clk.Advance(step)

	if first == nil || second == nil {
		t.Fatal("not all futures settled")
	}

	// A future requested after the terminal state settles immediately.
	late := task.WhenDone()
	if !late.Settled() {
		t.Fatal("late WhenDone future not settled")
	}
	if it, err := late.Result(); err != nil || it == nil {
		t.Fatalf("late future result: (%v, %v)", it, err)
	}
}

func TestTask_ParkOnAwaitable(t *testing.T) {
	c, clk := newTestCooperator()

	gate := promise.New[interface{}]()
	phase := 0
	task := c.Cooperate(IteratorFunc(func() (interface{}, error) {
		phase++
		switch phase {
		case 1:
			return gate, nil
		case 2:
			return "after", nil
		default:
			return nil, Exhausted
		}
	}))

	clk.Advance(step)
	if phase != 1 {
		t.Fatalf("expected one step, got %d", phase)
	}
	if task.State() != "paused" {
		t.Fatalf("parked task state = %s", task.State())
	}

	// A parked task consumes no tick cycles.
	clk.Advance(step)
	clk.Advance(step)
	if phase != 1 {
		t.Fatalf("parked task advanced to phase %d", phase)
	}

	if err := gate.Resolve("ready"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Resolution alone re-activates but does not re-drive the iterator.
	if phase != 1 {
		t.Fatalf("resolution re-drove the iterator to phase %d", phase)
	}

	clk.Advance(step)
	if phase != 2 {
		t.Fatalf("resumed task did not advance, phase %d", phase)
	}

	clk.Advance(step)
	if task.State() != "finished" {
		t.Fatalf("state = %s", task.State())
	}
}

func TestTask_AwaitableRejectionFailsTask(t *testing.T) {
	c, clk := newTestCooperator()

	gate := promise.New[interface{}]()
	task := c.Cooperate(SliceIterator(gate, "unreached"))
	d := task.WhenDone()

	clk.Advance(step)

	boom := errors.New("awaited failure")
	_ = gate.Reject(boom)

	if _, err := d.Result(); !errors.Is(err, boom) {
		t.Fatalf("expected awaited failure, got %v", err)
	}
	if task.State() != "failed" {
		t.Fatalf("state = %s", task.State())
	}
}

func TestTask_StopInsideCompletionCallback(t *testing.T) {
	c, clk := newTestCooperator()

	task := c.Cooperate(RangeIterator(1))
	var nestedErr error
	task.WhenDone().AddObserver(func(it Iterator, err error) {
		// By the time observers run, the task is out of the active set, so
		// a nested Stop must report completion rather than double-remove.
		nestedErr = task.Stop()
	})

	clk.Advance(step)
	clk.Advance(step)

	if !errors.Is(nestedErr, ErrTaskDone) {
		t.Fatalf("nested Stop: expected ErrTaskDone, got %v", nestedErr)
	}
}

func TestTask_StoppedWhileParked(t *testing.T) {
	c, clk := newTestCooperator()

	gate := promise.New[interface{}]()
	task := c.Cooperate(SliceIterator(gate, "unreached"))
	d := task.WhenDone()

	clk.Advance(step)
	if task.State() != "paused" {
		t.Fatalf("state = %s", task.State())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// The parked task finds the cooperator stopped when its awaitable
	// settles; its future rejects with the scheduler error.
	_ = gate.Resolve("too late")
	if _, err := d.Result(); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}
