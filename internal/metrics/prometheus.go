package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the trigger engine
type PrometheusMetrics struct {
	// Trigger path metrics
	ObservationsTotal   *prometheus.CounterVec
	ListenersRegistered prometheus.Counter
	ListenersFiredTotal *prometheus.CounterVec
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ActiveListeners     prometheus.Gauge

	// Storage metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Syncer metrics
	SyncsTotal   *prometheus.CounterVec
	SyncDuration prometheus.Histogram

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge

	startTime time.Time
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		startTime: time.Now(),

		ObservationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_observations_total",
				Help: "Total number of price observations processed",
			},
			[]string{"source"},
		),

		ListenersRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trigger_listeners_registered_total",
				Help: "Total number of listeners registered",
			},
		),

		ListenersFiredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_listeners_fired_total",
				Help: "Total number of listeners whose condition matched",
			},
			[]string{"action"},
		),

		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_executions_total",
				Help: "Total number of ledger executions by outcome",
			},
			[]string{"action", "status"},
		),

		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trigger_execution_duration_seconds",
				Help:    "Time spent executing fired listeners against the ledger",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		ActiveListeners: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trigger_active_listeners",
				Help: "Number of currently active listeners",
			},
		),

		StoreOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "status"},
		),

		StoreOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trigger_store_operation_duration_seconds",
				Help:    "Duration of store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		SyncsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_syncs_total",
				Help: "Total number of contract state syncs",
			},
			[]string{"status"},
		),

		SyncDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trigger_sync_duration_seconds",
				Help:    "Duration of contract state syncs",
				Buckets: prometheus.DefBuckets,
			},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trigger_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trigger_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trigger_component_health",
				Help: "Component health status (1 healthy, 0 unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trigger_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trigger_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordObservation records a processed price observation
func (m *PrometheusMetrics) RecordObservation(source string) {
	m.ObservationsTotal.WithLabelValues(source).Inc()
}

// RecordListenerRegistered records a listener registration
func (m *PrometheusMetrics) RecordListenerRegistered() {
	m.ListenersRegistered.Inc()
}

// RecordListenerFired records a matched listener condition
func (m *PrometheusMetrics) RecordListenerFired(action string) {
	m.ListenersFiredTotal.WithLabelValues(action).Inc()
}

// RecordExecution records a ledger execution outcome
func (m *PrometheusMetrics) RecordExecution(action, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(action, status).Inc()
	m.ExecutionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (m *PrometheusMetrics) RecordStoreOperation(operation, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSync records a contract state sync
func (m *PrometheusMetrics) RecordSync(status string, duration time.Duration) {
	m.SyncsTotal.WithLabelValues(status).Inc()
	m.SyncDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an API request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateActiveListeners updates the active listener gauge
func (m *PrometheusMetrics) UpdateActiveListeners(count int64) {
	m.ActiveListeners.Set(float64(count))
}

// UpdateComponentHealth updates a component health gauge
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateApplicationUptime updates the uptime gauge
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateMemoryUsage updates the memory usage gauge
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count gauge
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}

// UpdateSystemMetrics refreshes the process-level gauges: memory in use,
// goroutine count and uptime since the metrics were created.
func (m *PrometheusMetrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.UpdateMemoryUsage(memStats.Alloc)
	m.UpdateGoroutineCount(runtime.NumGoroutine())
	m.UpdateApplicationUptime(m.startTime)
}
