package promise

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeferred_ResolveOnce(t *testing.T) {
	d := New[int]()
	if err := d.Resolve(42); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if err := d.Resolve(43); err != ErrAlreadySettled {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if err := d.Reject(errors.New("nope")); err != ErrAlreadySettled {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	v, err := d.Result()
	if err != nil || v != 42 {
		t.Fatalf("expected (42, nil), got (%v, %v)", v, err)
	}
}

func TestDeferred_ObserverBeforeAndAfterSettle(t *testing.T) {
	d := New[string]()

	var got []string
	d.AddObserver(func(v string, err error) {
		got = append(got, "before:"+v)
	})

	if err := d.Resolve("x"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	d.AddObserver(func(v string, err error) {
		got = append(got, "after:"+v)
	})

	if len(got) != 2 || got[0] != "before:x" || got[1] != "after:x" {
		t.Fatalf("unexpected observer log: %v", got)
	}
}

func TestDeferred_IndependentObservers(t *testing.T) {
	d := New[int]()

	var first, second int
	d.AddObserver(func(v int, err error) {
		first = v * 10 // mutating a local must not leak into the other observer
	})
	d.AddObserver(func(v int, err error) {
		second = v
	})

	_ = d.Resolve(7)

	if first != 70 {
		t.Errorf("first observer saw %d", first)
	}
	if second != 7 {
		t.Errorf("second observer expected the raw value, got %d", second)
	}
}

func TestDeferred_Await(t *testing.T) {
	d := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = d.Resolve(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := d.Await(ctx)
	if err != nil || v != 1 {
		t.Fatalf("Await returned (%v, %v)", v, err)
	}
}

func TestDeferred_AwaitCancelled(t *testing.T) {
	d := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRejected(t *testing.T) {
	boom := errors.New("boom")
	d := Rejected[int](boom)

	called := false
	d.AddObserver(func(v int, err error) {
		called = true
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	})
	if !called {
		t.Fatal("observer on settled deferred did not fire")
	}
}
