package policies

import (
	"net"
	"sync"
	"time"

	"github.com/weftio/weft/pkg/log"
	obs "github.com/weftio/weft/pkg/observability/prometheus"
	"github.com/weftio/weft/pkg/sched/clock"
	"github.com/weftio/weft/pkg/transport"
)

// TimeoutConfig configures a TimeoutFactory.
type TimeoutConfig struct {
	// Period is how long a connection may stay silent, in both
	// directions, before it is considered idle.
	Period time.Duration `yaml:"period" json:"period"`
}

// TimeoutFactory drops connections that carry no traffic in either
// direction for a configured period. Any read or write restarts the
// countdown.
type TimeoutFactory struct {
	*transport.WrappingFactory

	scheduler clock.Scheduler
	logger    log.Logger
	metrics   *obs.Metrics
	period    time.Duration

	// OnTimeout, when set, replaces the default idle reaction of closing
	// the connection.
	OnTimeout func(w *TimeoutWrapper)
}

// TimeoutOption customizes a TimeoutFactory.
type TimeoutOption func(*TimeoutFactory)

// WithTimeoutScheduler replaces the timer source.
func WithTimeoutScheduler(s clock.Scheduler) TimeoutOption {
	return func(f *TimeoutFactory) { f.scheduler = s }
}

// WithTimeoutLogger replaces the factory's logger.
func WithTimeoutLogger(l log.Logger) TimeoutOption {
	return func(f *TimeoutFactory) { f.logger = l }
}

// WithTimeoutMetrics enables the idle timeout counter.
func WithTimeoutMetrics(m *obs.Metrics) TimeoutOption {
	return func(f *TimeoutFactory) { f.metrics = m }
}

// NewTimeoutFactory wraps inner with idle timeout enforcement.
func NewTimeoutFactory(inner transport.Factory, config TimeoutConfig, opts ...TimeoutOption) *TimeoutFactory {
	f := &TimeoutFactory{
		WrappingFactory: transport.NewWrappingFactory(inner),
		scheduler:       clock.System(),
		logger:          log.NewDefault(),
		period:          config.Period,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.SetWrap(func(_ *transport.WrappingFactory, _ net.Addr, p transport.Protocol) transport.Protocol {
		return newTimeoutWrapper(f, p)
	})
	return f
}

// TimeoutWrapper arms an idle timer when the connection is made and
// re-arms it on every byte in either direction.
type TimeoutWrapper struct {
	*transport.ProtocolWrapper
	factory *TimeoutFactory

	mu    sync.Mutex
	timer clock.Timer
}

func newTimeoutWrapper(f *TimeoutFactory, inner transport.Protocol) *TimeoutWrapper {
	w := &TimeoutWrapper{
		ProtocolWrapper: transport.NewProtocolWrapper(f.WrappingFactory, inner),
		factory:         f,
	}
	w.SetOuter(w)
	return w
}

// MakeConnection forwards, then starts the idle countdown.
func (w *TimeoutWrapper) MakeConnection(t transport.Transport) {
	w.ProtocolWrapper.MakeConnection(t)
	w.resetTimeout()
}

// DataReceived restarts the countdown before forwarding.
func (w *TimeoutWrapper) DataReceived(data []byte) {
	w.resetTimeout()
	w.ProtocolWrapper.DataReceived(data)
}

// Write restarts the countdown before forwarding.
func (w *TimeoutWrapper) Write(data []byte) (int, error) {
	w.resetTimeout()
	return w.ProtocolWrapper.Write(data)
}

// WriteSequence restarts the countdown before forwarding.
func (w *TimeoutWrapper) WriteSequence(data [][]byte) (int, error) {
	w.resetTimeout()
	return w.ProtocolWrapper.WriteSequence(data)
}

// ConnectionLost disarms the timer before forwarding.
func (w *TimeoutWrapper) ConnectionLost(reason error) {
	w.cancelTimeout()
	w.ProtocolWrapper.ConnectionLost(reason)
}

// CancelTimeout disarms the idle timer without closing the connection.
func (w *TimeoutWrapper) CancelTimeout() {
	w.cancelTimeout()
}

func (w *TimeoutWrapper) resetTimeout() {
	if w.factory.period <= 0 {
		return
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Cancel()
	}
	w.timer = w.factory.scheduler.Schedule(w.factory.period, w.timeoutExpired)
	w.mu.Unlock()
}

func (w *TimeoutWrapper) cancelTimeout() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Cancel()
		w.timer = nil
	}
	w.mu.Unlock()
}

func (w *TimeoutWrapper) timeoutExpired() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	f := w.factory
	f.logger.Infof("%s idle for %v, timing out", w.LogPrefix(), f.period)
	if f.metrics != nil {
		f.metrics.IdleTimeoutsTotal.Inc()
	}
	if f.OnTimeout != nil {
		f.OnTimeout(w)
		return
	}
	w.LoseConnection()
}
