package sched

// Iterator is a lazy sequence of work units. Each call to Next performs one
// unit and must return promptly; a unit that blocks stalls every task on the
// cooperator. Next returns Exhausted when the sequence is complete; any
// other error fails the task.
//
// A returned value implementing Awaitable parks the task: the scheduler does
// not call Next again until the awaitable settles. A settlement error fails
// the task.
type Iterator interface {
	Next() (interface{}, error)
}

// IteratorFunc adapts a function to the Iterator interface.
type IteratorFunc func() (interface{}, error)

// Next implements Iterator.
func (f IteratorFunc) Next() (interface{}, error) {
	return f()
}

// Awaitable is the capability a yielded value must expose for the scheduler
// to park the task on it. *promise.Deferred[any] satisfies it.
type Awaitable interface {
	AddObserver(fn func(value interface{}, err error))
}

// SliceIterator returns an Iterator yielding the given values in order.
func SliceIterator(values ...interface{}) Iterator {
	i := 0
	return IteratorFunc(func() (interface{}, error) {
		if i >= len(values) {
			return nil, Exhausted
		}
		v := values[i]
		i++
		return v, nil
	})
}

// RangeIterator returns an Iterator yielding 0..n-1.
func RangeIterator(n int) Iterator {
	i := 0
	return IteratorFunc(func() (interface{}, error) {
		if i >= n {
			return nil, Exhausted
		}
		v := i
		i++
		return v, nil
	})
}
