// Package prometheus exposes weft's scheduler and connection-policy
// metrics through the Prometheus client.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels everything with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "weft"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Scheduler metrics, pulled from sched.Cooperator snapshots.
	SchedulerActiveTasks    prometheus.Gauge
	SchedulerTicks          prometheus.Gauge
	SchedulerTasksStarted   prometheus.Gauge
	SchedulerTasksCompleted *prometheus.GaugeVec

	// Connection policy metrics, pushed by the policy wrappers.
	ThrottleEventsTotal      *prometheus.CounterVec
	UnthrottleEventsTotal    *prometheus.CounterVec
	ConnectionsRejectedTotal prometheus.Counter
	IdleTimeoutsTotal        prometheus.Counter
	BytesReadTotal           prometheus.Counter
	BytesWrittenTotal        prometheus.Counter
	ConnectionsActive        prometheus.Gauge

	// Server metrics, pulled from the TCP server.
	ServerAcceptedTotal    prometheus.Gauge
	ServerRejectedTotal    prometheus.Gauge
	ServerActiveConns      prometheus.Gauge
	ServerHandledTotal     prometheus.Gauge
	ServerErrorConnsTotal  prometheus.Gauge
	ServerHandlingDuration prometheus.Histogram
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection registered with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		SchedulerActiveTasks: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_scheduler_active_tasks",
				Help: "Number of tasks in the scheduler's active set",
			},
		),
		SchedulerTicks: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_scheduler_ticks",
				Help: "Scheduler ticks run since process start",
			},
		),
		SchedulerTasksStarted: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_scheduler_tasks_started",
				Help: "Tasks submitted since process start",
			},
		),
		SchedulerTasksCompleted: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "weft_scheduler_tasks_completed",
				Help: "Tasks completed since process start, by outcome",
			},
			[]string{"outcome"}, // outcome: finished, failed, stopped
		),
		ThrottleEventsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_throttle_events_total",
				Help: "Times a throttling factory paused its connections",
			},
			[]string{"direction"}, // direction: read, write
		),
		UnthrottleEventsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_unthrottle_events_total",
				Help: "Times a throttling factory resumed its connections",
			},
			[]string{"direction"},
		),
		ConnectionsRejectedTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "weft_connections_rejected_total",
				Help: "Connections refused by policy (connection limit reached)",
			},
		),
		IdleTimeoutsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "weft_idle_timeouts_total",
				Help: "Connections dropped by the idle-timeout policy",
			},
		),
		BytesReadTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "weft_bytes_read_total",
				Help: "Bytes received across policy-wrapped connections",
			},
		),
		BytesWrittenTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "weft_bytes_written_total",
				Help: "Bytes written across policy-wrapped connections",
			},
		),
		ConnectionsActive: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_connections_active",
				Help: "Currently registered policy-wrapped connections",
			},
		),
		ServerAcceptedTotal: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_server_accepted_total",
				Help: "Connections accepted by the TCP server",
			},
		),
		ServerRejectedTotal: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_server_rejected_total",
				Help: "Connections rejected by the TCP server (slot limit)",
			},
		),
		ServerActiveConns: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_server_active_connections",
				Help: "Connections currently handled by the TCP server",
			},
		),
		ServerHandledTotal: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_server_handled_total",
				Help: "Connections fully handled by the TCP server",
			},
		),
		ServerErrorConnsTotal: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_server_error_connections_total",
				Help: "Connections that ended with a read or protocol error",
			},
		),
		ServerHandlingDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weft_server_handling_duration_seconds",
				Help:    "Lifetime of handled connections",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
	}
}

// RecordThrottle counts a throttle event for direction "read" or "write".
func (m *Metrics) RecordThrottle(direction string) {
	m.ThrottleEventsTotal.WithLabelValues(direction).Inc()
}

// RecordUnthrottle counts an unthrottle event.
func (m *Metrics) RecordUnthrottle(direction string) {
	m.UnthrottleEventsTotal.WithLabelValues(direction).Inc()
}

// RecordConnectionDuration observes one connection's lifetime.
func (m *Metrics) RecordConnectionDuration(d time.Duration) {
	m.ServerHandlingDuration.Observe(d.Seconds())
}
