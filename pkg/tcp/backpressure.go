package tcp

import "sync/atomic"

// BackpressureController bounds in-flight connections. Overflow is
// rejected fail-fast at accept time rather than queued, protecting the
// protocols already being served.
type BackpressureController struct {
	normalCapacity int64
	currentLoad    int64
	rejectedCount  int64
}

// NewBackpressureController creates a controller with the given capacity.
func NewBackpressureController(normalCapacity int) *BackpressureController {
	if normalCapacity < 1 {
		normalCapacity = 1
	}
	return &BackpressureController{normalCapacity: int64(normalCapacity)}
}

// TryAcquire claims a slot, reporting false when the server is at
// capacity.
func (bc *BackpressureController) TryAcquire() bool {
	for {
		current := atomic.LoadInt64(&bc.currentLoad)
		if current >= bc.normalCapacity {
			atomic.AddInt64(&bc.rejectedCount, 1)
			return false
		}
		if atomic.CompareAndSwapInt64(&bc.currentLoad, current, current+1) {
			return true
		}
	}
}

// Release returns a slot.
func (bc *BackpressureController) Release() {
	atomic.AddInt64(&bc.currentLoad, -1)
}

// GetMetrics returns a snapshot of the controller's counters.
func (bc *BackpressureController) GetMetrics() BackpressureMetrics {
	currentLoad := atomic.LoadInt64(&bc.currentLoad)
	normal := atomic.LoadInt64(&bc.normalCapacity)
	util := 0.0
	if normal > 0 {
		util = float64(currentLoad) / float64(normal) * 100
	}
	return BackpressureMetrics{
		NormalCapacity: normal,
		CurrentLoad:    currentLoad,
		RejectedCount:  atomic.LoadInt64(&bc.rejectedCount),
		Utilization:    util,
	}
}

// BackpressureMetrics provides backpressure statistics.
type BackpressureMetrics struct {
	NormalCapacity int64
	CurrentLoad    int64
	RejectedCount  int64
	Utilization    float64
}
