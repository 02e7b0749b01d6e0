// Package policies layers cross-cutting connection behavior over the
// transport wrapper: byte-rate throttling, idle timeouts and traffic
// logging. Each policy pairs a wrapper with a factory; policies compose by
// wrapping one factory in another.
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

// ThrottleConfig configures a ThrottlingFactory.
type ThrottleConfig struct {
	// ReadLimit caps bytes read per second across all connections sharing
	// the factory. 0 means unlimited.
	ReadLimit int64 `yaml:"read_limit" json:"readLimit"`

	// WriteLimit caps bytes written per second. 0 means unlimited.
	WriteLimit int64 `yaml:"write_limit" json:"writeLimit"`

	// MaxConnections refuses new connections beyond this count. 0 means
	// unlimited.
	MaxConnections int `yaml:"max_connections" json:"maxConnections"`
}

// ThrottlingFactory tracks bytes read and written per second across every
// connection it builds. When a configured rate is exceeded it pauses
// reading (and any registered producers) on all of them, resuming after a
// cooldown proportional to the overage. It also enforces a concurrent
// connection limit by refusing to build protocols.
type ThrottlingFactory struct {
	*transport.WrappingFactory

	scheduler clock.Scheduler
	logger    log.Logger
	metrics   *obs.Metrics
	config    ThrottleConfig

	mu                sync.Mutex
	connectionCount   int
	readThisSecond    int64
	writtenThisSecond int64
	started           bool

	checkReadTimer       clock.Timer
	checkWriteTimer      clock.Timer
	unthrottleReadsTimer clock.Timer
	unthrottleWriteTimer clock.Timer
}

// ThrottleOption customizes a ThrottlingFactory.
type ThrottleOption func(*ThrottlingFactory)

// WithThrottleScheduler replaces the timer source. Tests inject a
// *clock.Clock here.
func WithThrottleScheduler(s clock.Scheduler) ThrottleOption {
	return func(f *ThrottlingFactory) { f.scheduler = s }
}

// WithThrottleLogger replaces the factory's logger.
func WithThrottleLogger(l log.Logger) ThrottleOption {
	return func(f *ThrottlingFactory) { f.logger = l }
}

// WithThrottleMetrics enables Prometheus counters for throttle events.
func WithThrottleMetrics(m *obs.Metrics) ThrottleOption {
	return func(f *ThrottlingFactory) { f.metrics = m }
}

// NewThrottlingFactory wraps inner with byte-rate throttling.
func NewThrottlingFactory(inner transport.Factory, config ThrottleConfig, opts ...ThrottleOption) *ThrottlingFactory {
	f := &ThrottlingFactory{
		WrappingFactory: transport.NewWrappingFactory(inner),
		scheduler:       clock.System(),
		logger:          log.NewDefault(),
		config:          config,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.SetWrap(func(_ *transport.WrappingFactory, _ net.Addr, p transport.Protocol) transport.Protocol {
		return newThrottlingWrapper(f, p)
	})
	f.OnUnregister = func(transport.Protocol) {
		f.mu.Lock()
		f.connectionCount--
		f.mu.Unlock()
		if f.metrics != nil {
			f.metrics.ConnectionsActive.Dec()
		}
	}
	f.OnRegister = func(transport.Protocol) {
		if f.metrics != nil {
			f.metrics.ConnectionsActive.Inc()
		}
	}
	return f
}

// BuildProtocol refuses the connection by returning nil once the
// connection limit is reached; otherwise it builds a throttling wrapper.
func (f *ThrottlingFactory) BuildProtocol(addr net.Addr) transport.Protocol {
	f.mu.Lock()
	if f.config.MaxConnections > 0 && f.connectionCount >= f.config.MaxConnections {
		f.mu.Unlock()
		f.logger.Warnf("connection limit %d reached, refusing %v", f.config.MaxConnections, addr)
		if f.metrics != nil {
			f.metrics.ConnectionsRejectedTotal.Inc()
		}
		return nil
	}
	f.connectionCount++
	f.ensureStartedLocked()
	f.mu.Unlock()

	p := f.WrappingFactory.BuildProtocol(addr)
	if p == nil {
		// The inner factory refused; give the slot back.
		f.mu.Lock()
		f.connectionCount--
		f.mu.Unlock()
	}
	return p
}

// ConnectionCount returns the number of connections counted against the
// limit.
func (f *ThrottlingFactory) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectionCount
}

// Stop cancels the bandwidth check loops and lifts any active throttle.
func (f *ThrottlingFactory) Stop() {
	f.mu.Lock()
	for _, t := range []clock.Timer{f.checkReadTimer, f.checkWriteTimer, f.unthrottleReadsTimer, f.unthrottleWriteTimer} {
		if t != nil {
			t.Cancel()
		}
	}
	f.checkReadTimer = nil
	f.checkWriteTimer = nil
	readPending := f.unthrottleReadsTimer != nil
	writePending := f.unthrottleWriteTimer != nil
	f.unthrottleReadsTimer = nil
	f.unthrottleWriteTimer = nil
	f.started = false
	f.mu.Unlock()

	if readPending {
		f.unthrottleReads()
	}
	if writePending {
		f.unthrottleWrites()
	}
}

func (f *ThrottlingFactory) ensureStartedLocked() {
	if f.started {
		return
	}
	f.started = true
	if f.config.ReadLimit > 0 {
		f.checkReadTimer = f.scheduler.Schedule(time.Second, f.checkReadBandwidth)
	}
	if f.config.WriteLimit > 0 {
		f.checkWriteTimer = f.scheduler.Schedule(time.Second, f.checkWriteBandwidth)
	}
}

func (f *ThrottlingFactory) registerRead(length int) {
	f.mu.Lock()
	f.readThisSecond += int64(length)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.BytesReadTotal.Add(float64(length))
	}
}

func (f *ThrottlingFactory) registerWritten(length int) {
	f.mu.Lock()
	f.writtenThisSecond += int64(length)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.BytesWrittenTotal.Add(float64(length))
	}
}

// checkReadBandwidth runs once per second. On overage it throttles reads
// and schedules the resume after overage/limit seconds.
func (f *ThrottlingFactory) checkReadBandwidth() {
	f.mu.Lock()
	read := f.readThisSecond
	f.readThisSecond = 0
	throttle := read > f.config.ReadLimit
	var cooldown time.Duration
	if throttle {
		cooldown = overageCooldown(read, f.config.ReadLimit)
	}
	f.checkReadTimer = f.scheduler.Schedule(time.Second, f.checkReadBandwidth)
	if throttle {
		f.unthrottleReadsTimer = f.scheduler.Schedule(cooldown, f.unthrottleReads)
	}
	f.mu.Unlock()

	if throttle {
		f.throttleReads()
	}
}

// checkWriteBandwidth is checkReadBandwidth for the write direction.
func (f *ThrottlingFactory) checkWriteBandwidth() {
	f.mu.Lock()
	written := f.writtenThisSecond
	f.writtenThisSecond = 0
	throttle := written > f.config.WriteLimit
	var cooldown time.Duration
	if throttle {
		cooldown = overageCooldown(written, f.config.WriteLimit)
	}
	f.checkWriteTimer = f.scheduler.Schedule(time.Second, f.checkWriteBandwidth)
	if throttle {
		f.unthrottleWriteTimer = f.scheduler.Schedule(cooldown, f.unthrottleWrites)
	}
	f.mu.Unlock()

	if throttle {
		f.throttleWrites()
	}
}

// overageCooldown computes how long to stay throttled: the fraction of a
// second by which the counter overshot the per-second budget.
func overageCooldown(observed, limit int64) time.Duration {
	return time.Duration((float64(observed)/float64(limit) - 1.0) * float64(time.Second))
}

func (f *ThrottlingFactory) throttleReads() {
	f.logger.Infof("throttling reads")
	if f.metrics != nil {
		f.metrics.RecordThrottle("read")
	}
	for _, p := range f.Protocols() {
		if w, ok := p.(*ThrottlingWrapper); ok {
			w.ThrottleReads()
		}
	}
}

func (f *ThrottlingFactory) unthrottleReads() {
	f.mu.Lock()
	f.unthrottleReadsTimer = nil
	f.mu.Unlock()
	f.logger.Infof("unthrottling reads")
	if f.metrics != nil {
		f.metrics.RecordUnthrottle("read")
	}
	for _, p := range f.Protocols() {
		if w, ok := p.(*ThrottlingWrapper); ok {
			w.UnthrottleReads()
		}
	}
}

func (f *ThrottlingFactory) throttleWrites() {
	f.logger.Infof("throttling writes")
	if f.metrics != nil {
		f.metrics.RecordThrottle("write")
	}
	for _, p := range f.Protocols() {
		if w, ok := p.(*ThrottlingWrapper); ok {
			w.ThrottleWrites()
		}
	}
}

func (f *ThrottlingFactory) unthrottleWrites() {
	f.mu.Lock()
	f.unthrottleWriteTimer = nil
	f.mu.Unlock()
	f.logger.Infof("unthrottling writes")
	if f.metrics != nil {
		f.metrics.RecordUnthrottle("write")
	}
	for _, p := range f.Protocols() {
		if w, ok := p.(*ThrottlingWrapper); ok {
			w.UnthrottleWrites()
		}
	}
}

// ThrottlingWrapper counts bytes through the connection and applies the
// factory's throttle decisions. Counting never fails and never blocks the
// forwarded call.
type ThrottlingWrapper struct {
	*transport.ProtocolWrapper
	factory *ThrottlingFactory

	mu       sync.Mutex
	producer transport.Producer
}

func newThrottlingWrapper(f *ThrottlingFactory, inner transport.Protocol) *ThrottlingWrapper {
	w := &ThrottlingWrapper{
		ProtocolWrapper: transport.NewProtocolWrapper(f.WrappingFactory, inner),
		factory:         f,
	}
	w.SetOuter(w)
	return w
}

// Write counts then forwards.
func (w *ThrottlingWrapper) Write(data []byte) (int, error) {
	w.factory.registerWritten(len(data))
	return w.ProtocolWrapper.Write(data)
}

// WriteSequence counts then forwards.
func (w *ThrottlingWrapper) WriteSequence(data [][]byte) (int, error) {
	total := 0
	for _, chunk := range data {
		total += len(chunk)
	}
	w.factory.registerWritten(total)
	return w.ProtocolWrapper.WriteSequence(data)
}

// DataReceived counts then forwards.
func (w *ThrottlingWrapper) DataReceived(data []byte) {
	w.factory.registerRead(len(data))
	w.ProtocolWrapper.DataReceived(data)
}

// RegisterProducer remembers the producer so write throttling can pause
// it, then forwards.
func (w *ThrottlingWrapper) RegisterProducer(p transport.Producer, streaming bool) error {
	w.mu.Lock()
	w.producer = p
	w.mu.Unlock()
	return w.ProtocolWrapper.RegisterProducer(p, streaming)
}

// UnregisterProducer forgets the producer and forwards.
func (w *ThrottlingWrapper) UnregisterProducer() {
	w.mu.Lock()
	w.producer = nil
	w.mu.Unlock()
	w.ProtocolWrapper.UnregisterProducer()
}

// ThrottleReads pauses reading on the underlying transport, when it
// supports pausing.
func (w *ThrottlingWrapper) ThrottleReads() {
	if control, ok := transport.FindCapability[transport.ConsumerControl](w.Transport()); ok {
		control.PauseConsuming()
	}
}

// UnthrottleReads resumes reading.
func (w *ThrottlingWrapper) UnthrottleReads() {
	if control, ok := transport.FindCapability[transport.ConsumerControl](w.Transport()); ok {
		control.ResumeConsuming()
	}
}

// ThrottleWrites pauses the registered producer, if any.
func (w *ThrottlingWrapper) ThrottleWrites() {
	w.mu.Lock()
	p := w.producer
	w.mu.Unlock()
	if p != nil {
		p.PauseProducing()
	}
}

// UnthrottleWrites resumes the registered producer, if any.
func (w *ThrottlingWrapper) UnthrottleWrites() {
	w.mu.Lock()
	p := w.producer
	w.mu.Unlock()
	if p != nil {
		p.ResumeProducing()
	}
}
