package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the QMS service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Record operation metrics
	RecordOperations        *prometheus.CounterVec
	RecordOperationDuration *prometheus.HistogramVec
	Records                 *prometheus.GaugeVec

	// Record store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec
	StoreBreakerState      *prometheus.GaugeVec

	// Cache metrics
	PermissionCacheHitsTotal   prometheus.Counter
	PermissionCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	ReportExportsTotal    *prometheus.CounterVec
	StatisticsRefreshes   *prometheus.CounterVec
}

// InitMetrics creates the instruments of the service on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_http_request_size_bytes",
			Help:    "Declared HTTP request body size.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_http_response_size_bytes",
			Help:    "HTTP response body size.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		RecordOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_record_operations_total",
			Help: "Record commands by type, operation and outcome (success or error code).",
		}, []string{"type", "operation", "outcome"}),
		RecordOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_record_operation_duration_seconds",
			Help:    "Record command latency, store round trips included.",
			Buckets: storeDurationBuckets,
		}, []string{"type", "operation"}),
		Records: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qms_records",
			Help: "Stored records by type and status, as of the last statistics refresh.",
		}, []string{"type", "status"}),

		StoreOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_store_operation_duration_seconds",
			Help:    "Record store call latency.",
			Buckets: storeDurationBuckets,
		}, []string{"driver", "operation"}),
		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_store_errors_total",
			Help: "Failed record store calls.",
		}, []string{"driver", "operation"}),
		StoreBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qms_store_breaker_state",
			Help: "Record store circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"driver"}),

		PermissionCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qms_permission_cache_hits_total",
			Help: "Role permission lookups served from cache.",
		}),
		PermissionCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qms_permission_cache_misses_total",
			Help: "Role permission lookups resolved from policy.",
		}),

		DefinitionReloadTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_definition_reload_total",
			Help: "Definition and policy reloads by status.",
		}, []string{"status"}),
		DefinitionsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "qms_definitions_loaded",
			Help: "Record type definitions currently served.",
		}),
		ReportExportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_report_exports_total",
			Help: "Record exports by format.",
		}, []string{"format"}),
		StatisticsRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_statistics_refreshes_total",
			Help: "Scheduled statistics refreshes by status.",
		}, []string{"status"}),
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOperation records a record operation and its outcome, which is
// "success" or the error code.
func (m *Metrics) RecordOperation(recordType, operation, outcome string, duration time.Duration) {
	m.RecordOperations.WithLabelValues(recordType, operation, outcome).Inc()
	m.RecordOperationDuration.WithLabelValues(recordType, operation).Observe(duration.Seconds())
}

// RecordStoreCall records the latency of one record store call.
func (m *Metrics) RecordStoreCall(driver, operation string, duration time.Duration, err error) {
	m.StoreOperationDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
	if err != nil {
		m.StoreErrorsTotal.WithLabelValues(driver, operation).Inc()
	}
}

// SetRecordCounts replaces the record gauge with counts[type][status].
func (m *Metrics) SetRecordCounts(counts map[string]map[string]int) {
	m.Records.Reset()
	for t, byStatus := range counts {
		for status, n := range byStatus {
			m.Records.WithLabelValues(t, status).Set(float64(n))
		}
	}
}

// SetStoreBreakerState records the breaker position of the store driver.
func (m *Metrics) SetStoreBreakerState(driver string, state int) {
	m.StoreBreakerState.WithLabelValues(driver).Set(float64(state))
}

// RecordPermissionCacheLookup records a permission cache hit or miss.
func (m *Metrics) RecordPermissionCacheLookup(hit bool) {
	if hit {
		m.PermissionCacheHitsTotal.Inc()
		return
	}
	m.PermissionCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// RecordExport records a record export.
func (m *Metrics) RecordExport(format string) {
	m.ReportExportsTotal.WithLabelValues(format).Inc()
}

// RecordStatisticsRefresh records a scheduled statistics refresh.
func (m *Metrics) RecordStatisticsRefresh(status string) {
	m.StatisticsRefreshes.WithLabelValues(status).Inc()
}

// MetricsMiddleware counts and times requests under their chi route
// pattern, so record IDs never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start),
			max(int(r.ContentLength), 0), ww.BytesWritten())
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern is chi's matched pattern for r, or the raw path when no
// route matched.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	// Mounted sub-routers leave a trailing "/*".
	if pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*"); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
