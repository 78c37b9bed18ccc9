package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record method is safe on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Admission metrics
	AdmissionDecisionsTotal *prometheus.CounterVec
	AdmissionDuration       *prometheus.HistogramVec

	// Plugin metrics
	PluginExecutionsTotal   *prometheus.CounterVec
	PluginExecutionDuration *prometheus.HistogramVec
	PluginFuelConsumed      *prometheus.HistogramVec
	PluginsLoaded           prometheus.Gauge
	PluginLoadsTotal        *prometheus.CounterVec

	// Trigger metrics
	TriggerEventsTotal *prometheus.CounterVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Audit metrics
	AuditWritesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "path"},
		),

		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_admission_decisions_total",
				Help: "Total number of admission decisions",
			},
			[]string{"operation", "allowed"},
		),
		AdmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_admission_duration_seconds",
				Help:    "Time to reach an admission decision",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),

		PluginExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_plugin_executions_total",
				Help: "Total number of plugin executions by outcome",
			},
			[]string{"plugin", "outcome"},
		),
		PluginExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_plugin_execution_duration_seconds",
				Help:    "Plugin execution duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"plugin"},
		),
		PluginFuelConsumed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_plugin_fuel_consumed",
				Help:    "Fuel units consumed per plugin execution",
				Buckets: prometheus.ExponentialBuckets(10, 10, 7),
			},
			[]string{"plugin"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_plugins_loaded",
				Help: "Number of plugins currently registered",
			},
		),
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_plugin_loads_total",
				Help: "Total number of plugin load attempts by result",
			},
			[]string{"result"},
		),

		TriggerEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_trigger_events_total",
				Help: "Total number of database trigger events by status",
			},
			[]string{"status"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"backend", "operation", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),

		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_audit_writes_total",
				Help: "Total number of audit log writes by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.AdmissionDecisionsTotal,
		m.AdmissionDuration,
		m.PluginExecutionsTotal,
		m.PluginExecutionDuration,
		m.PluginFuelConsumed,
		m.PluginsLoaded,
		m.PluginLoadsTotal,
		m.TriggerEventsTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.AuditWritesTotal,
	)

	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordPluginExecution records one plugin run. outcome is "allowed",
// "denied" or an error kind.
func (m *Metrics) RecordPluginExecution(plugin, outcome string, duration time.Duration, fuel uint64) {
	if m == nil {
		return
	}
	m.PluginExecutionsTotal.WithLabelValues(plugin, outcome).Inc()
	m.PluginExecutionDuration.WithLabelValues(plugin).Observe(duration.Seconds())
	if fuel > 0 {
		m.PluginFuelConsumed.WithLabelValues(plugin).Observe(float64(fuel))
	}
}

// RecordDecision records an aggregated admission decision
func (m *Metrics) RecordDecision(operation string, allowed bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.AdmissionDecisionsTotal.WithLabelValues(operation, strconv.FormatBool(allowed)).Inc()
	m.AdmissionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetPluginsLoaded sets the registered plugin gauge
func (m *Metrics) SetPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// RecordPluginLoad counts a load attempt
func (m *Metrics) RecordPluginLoad(err error) {
	if m == nil {
		return
	}
	m.PluginLoadsTotal.WithLabelValues(statusLabel(err)).Inc()
}

// RecordTrigger counts a trigger event by status ("ignored", "success", "error")
func (m *Metrics) RecordTrigger(status string) {
	if m == nil {
		return
	}
	m.TriggerEventsTotal.WithLabelValues(status).Inc()
}

// RecordStorageOperation records a call against a storage backend
func (m *Metrics) RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StorageOperationsTotal.WithLabelValues(backend, operation, statusLabel(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordAuditWrite counts an audit log insert
func (m *Metrics) RecordAuditWrite(err error) {
	if m == nil {
		return
	}
	m.AuditWritesTotal.WithLabelValues(statusLabel(err)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routePath returns the matched mux route template so path labels stay bounded
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routePath(r)
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
