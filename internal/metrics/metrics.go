package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the service
type Metrics struct {
	// Import pipeline
	ImportRowsTotal          *prometheus.CounterVec
	ImportJobsTotal          *prometheus.CounterVec
	ImportJobDurationSeconds prometheus.Histogram
	ImportsActive            prometheus.Gauge
	ImportUploadBytes        prometheus.Histogram

	// Segment evaluation
	SegmentEvaluationsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	RateLimitExceededTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ImportRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiences_import_rows_total",
				Help: "CSV rows processed by imports",
			},
			[]string{"outcome"}, // imported, invalid, duplicate
		),
		ImportJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiences_import_jobs_total",
				Help: "Import jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		ImportJobDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audiences_import_job_duration_seconds",
				Help:    "Wall time of import jobs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),
		ImportsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audiences_imports_active",
				Help: "Import jobs currently running",
			},
		),
		ImportUploadBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audiences_import_upload_bytes",
				Help:    "Size of accepted CSV uploads",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		SegmentEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiences_segment_evaluations_total",
				Help: "Contact queries compiled from filters and segments",
			},
			[]string{"kind"}, // dynamic, static
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiences_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audiences_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiences_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiences_ratelimit_exceeded_total",
				Help: "Requests rejected by the import rate limiter",
			},
			[]string{"window"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ImportRowsTotal,
		m.ImportJobsTotal,
		m.ImportJobDurationSeconds,
		m.ImportsActive,
		m.ImportUploadBytes,
		m.SegmentEvaluationsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// AddImportRows counts processed rows by outcome
func AddImportRows(outcome string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.ImportRowsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ImportStarted marks a job as running
func ImportStarted() {
	if m := Global(); m != nil {
		m.ImportsActive.Inc()
	}
}

// ImportFinished records a terminal job status and its duration
func ImportFinished(status string, seconds float64) {
	if m := Global(); m != nil {
		m.ImportsActive.Dec()
		m.ImportJobsTotal.WithLabelValues(status).Inc()
		m.ImportJobDurationSeconds.Observe(seconds)
	}
}

// ObserveUpload records the size of an accepted upload
func ObserveUpload(bytes int) {
	if m := Global(); m != nil {
		m.ImportUploadBytes.Observe(float64(bytes))
	}
}

// IncSegmentEvaluations counts a compiled contact query
func IncSegmentEvaluations(kind string) {
	if m := Global(); m != nil {
		m.SegmentEvaluationsTotal.WithLabelValues(kind).Inc()
	}
}

// IncRateLimitExceeded counts a rate-limited request
func IncRateLimitExceeded(window string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(window).Inc()
	}
}
