package sched

import (
	"sync"

	"github.com/weftio/weft/pkg/promise"
)

// The process-wide default cooperator. Created on first use and alive for
// the process lifetime; it is never stopped.
var (
	defaultOnce       sync.Once
	defaultCooperator *Cooperator
)

// Default returns the process-wide cooperator.
func Default() *Cooperator {
	defaultOnce.Do(func() {
		defaultCooperator = New()
	})
	return defaultCooperator
}

// Cooperate submits an iterator to the process-wide cooperator.
func Cooperate(it Iterator) *CooperativeTask {
	return Default().Cooperate(it)
}

// Coiterate submits an iterator to the process-wide cooperator and returns
// its completion future.
func Coiterate(it Iterator) *promise.Deferred[Iterator] {
	return Default().Coiterate(it)
}
