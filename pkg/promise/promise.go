// Package promise provides a single-resolution completion future.
//
// A Deferred is resolved (or rejected) exactly once. Observers registered
// before resolution are invoked when it settles; observers registered after
// resolution are invoked immediately. Each Deferred is independent: callbacks
// on one never affect the value delivered to another.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled is returned when Resolve or Reject is called on a
// Deferred that has already settled.
var ErrAlreadySettled = errors.New("promise: already settled")

// Observer receives the final value or error of a Deferred. It is an alias
// so a *Deferred[any] satisfies interfaces declared over plain func types.
type Observer[T any] = func(value T, err error)

// Deferred is a write-once container for a future result.
type Deferred[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	err       error
	observers []Observer[T]
}

// New creates an unsettled Deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolved creates a Deferred already settled with value.
func Resolved[T any](value T) *Deferred[T] {
	d := New[T]()
	_ = d.Resolve(value)
	return d
}

// Rejected creates a Deferred already settled with err.
func Rejected[T any](err error) *Deferred[T] {
	d := New[T]()
	_ = d.Reject(err)
	return d
}

// Resolve settles the Deferred with a value. The first settlement wins;
// subsequent calls return ErrAlreadySettled.
func (d *Deferred[T]) Resolve(value T) error {
	return d.settle(value, nil)
}

// Reject settles the Deferred with an error.
func (d *Deferred[T]) Reject(err error) error {
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(value T, err error) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return ErrAlreadySettled
	}
	d.settled = true
	d.value = value
	d.err = err
	observers := d.observers
	d.observers = nil
	close(d.done)
	d.mu.Unlock()

	// Observers run outside the lock so they may register further observers
	// or settle other Deferreds without deadlocking.
	for _, fn := range observers {
		fn(value, err)
	}
	return nil
}

// Done returns a channel closed when the Deferred settles.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Settled reports whether the Deferred has a result.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Result returns the settled value and error. It must only be called after
// Done is closed; before settlement it returns the zero value and nil.
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err
}

// AddObserver registers fn to run when the Deferred settles. If it has
// already settled, fn runs synchronously before AddObserver returns.
func (d *Deferred[T]) AddObserver(fn Observer[T]) {
	d.mu.Lock()
	if d.settled {
		value, err := d.value, d.err
		d.mu.Unlock()
		fn(value, err)
		return
	}
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Await blocks until the Deferred settles or ctx is cancelled.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
