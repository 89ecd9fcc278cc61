// Package metrics provides the Prometheus collectors the runtime exposes
// for library lifecycle, function calls, stream delivery, and notification
// dispatch.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the runtime registers.
type Metrics struct {
	LibrariesLoaded prometheus.Gauge
	LibraryLoads    *prometheus.CounterVec

	FunctionCallsTotal   *prometheus.CounterVec
	FunctionCallDuration *prometheus.HistogramVec

	StreamPendingDepth *prometheus.GaugeVec
	StreamLastLag      *prometheus.GaugeVec
	StreamRecordsTotal *prometheus.CounterVec
	StreamTrimsTotal   *prometheus.CounterVec

	NotificationsTriggered *prometheus.CounterVec
	NotificationsFinished  *prometheus.CounterVec
	NotificationsFailed    *prometheus.CounterVec

	CompilePoolQueueDepth prometheus.Gauge
	WatchdogTerminations  *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be nil to skip registration (used in unit tests).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		LibrariesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gears_libraries_loaded",
			Help: "Number of libraries currently loaded.",
		}),
		LibraryLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_library_loads_total",
			Help: "Library load attempts by outcome.",
		}, []string{"outcome"}),
		FunctionCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_function_calls_total",
			Help: "Function invocations by library, function, and outcome.",
		}, []string{"library", "function", "outcome"}),
		FunctionCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gears_function_call_duration_seconds",
			Help:    "Function call duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"library", "function"}),
		StreamPendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gears_stream_pending_depth",
			Help: "Current in-flight record count per (consumer, stream).",
		}, []string{"library", "consumer", "stream"}),
		StreamLastLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gears_stream_last_lag_seconds",
			Help: "Seconds between record ID timestamp and delivery for the most recent record.",
		}, []string{"library", "consumer", "stream"}),
		StreamRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_stream_records_total",
			Help: "Records delivered per (consumer, stream).",
		}, []string{"library", "consumer", "stream"}),
		StreamTrimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_stream_trims_total",
			Help: "Trim operations issued per stream.",
		}, []string{"stream"}),
		NotificationsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_notifications_triggered_total",
			Help: "Notification consumer invocations by library and consumer.",
		}, []string{"library", "consumer"}),
		NotificationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_notifications_finished_total",
			Help: "Notification consumer completions by library and consumer.",
		}, []string{"library", "consumer"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_notifications_failed_total",
			Help: "Notification consumer failures by library and consumer.",
		}, []string{"library", "consumer"}),
		CompilePoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gears_compile_pool_queue_depth",
			Help: "Total pending jobs across all per-library compile queues.",
		}),
		WatchdogTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gears_watchdog_terminations_total",
			Help: "Isolate terminations triggered by the lock-timeout watchdog, by policy.",
		}, []string{"policy"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.LibrariesLoaded,
			m.LibraryLoads,
			m.FunctionCallsTotal,
			m.FunctionCallDuration,
			m.StreamPendingDepth,
			m.StreamLastLag,
			m.StreamRecordsTotal,
			m.StreamTrimsTotal,
			m.NotificationsTriggered,
			m.NotificationsFinished,
			m.NotificationsFailed,
			m.CompilePoolQueueDepth,
			m.WatchdogTerminations,
		)
	}

	return m
}

// RecordFunctionCall records a completed function invocation.
func (m *Metrics) RecordFunctionCall(library, function, outcome string, d time.Duration) {
	m.FunctionCallsTotal.WithLabelValues(library, function, outcome).Inc()
	m.FunctionCallDuration.WithLabelValues(library, function).Observe(d.Seconds())
}

// RecordStreamDelivery records a record delivered to a stream consumer.
func (m *Metrics) RecordStreamDelivery(library, consumer, stream string, pendingDepth int, lag time.Duration) {
	m.StreamRecordsTotal.WithLabelValues(library, consumer, stream).Inc()
	m.StreamPendingDepth.WithLabelValues(library, consumer, stream).Set(float64(pendingDepth))
	m.StreamLastLag.WithLabelValues(library, consumer, stream).Set(lag.Seconds())
}

// RecordTrim records a trim issued against a stream.
func (m *Metrics) RecordTrim(stream string) {
	m.StreamTrimsTotal.WithLabelValues(stream).Inc()
}

// RecordNotificationTriggered records a notification consumer invocation.
func (m *Metrics) RecordNotificationTriggered(library, consumer string) {
	m.NotificationsTriggered.WithLabelValues(library, consumer).Inc()
}

// RecordNotificationFinished records a notification consumer completion, success or failure.
func (m *Metrics) RecordNotificationFinished(library, consumer string, failed bool) {
	m.NotificationsFinished.WithLabelValues(library, consumer).Inc()
	if failed {
		m.NotificationsFailed.WithLabelValues(library, consumer).Inc()
	}
}

// RecordWatchdogTermination records an isolate termination by the lock-timeout watchdog.
func (m *Metrics) RecordWatchdogTermination(policy string) {
	m.WatchdogTerminations.WithLabelValues(policy).Inc()
}
