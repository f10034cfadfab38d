package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Ingestion metrics
	IngestionsTotal          *prometheus.CounterVec
	IngestionDuration        *prometheus.HistogramVec
	ArchiveProcessDuration   prometheus.Histogram
	ArchiveUncompressedBytes prometheus.Histogram

	// Blob storage metrics
	BlobOperationsTotal   *prometheus.CounterVec
	BlobOperationDuration *prometheus.HistogramVec

	// Job broker metrics
	BrokerReconnectsTotal prometheus.Counter
	BrokerMessagesTotal   *prometheus.CounterVec
	BrokerAbortsTotal     prometheus.Counter

	// Catalog snapshot metrics
	SnapshotBuildsTotal   *prometheus.CounterVec
	SnapshotBuildDuration prometheus.Histogram
	SnapshotPackages      prometheus.Gauge

	// Admission metrics
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	PackagesTotal    prometheus.Gauge
	VersionsTotal    prometheus.Gauge
	AuthorsTotal     prometheus.Gauge
	APITokensActive  prometheus.Gauge
	InstallsTotal    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		IngestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_ingestions_total",
				Help: "Total number of version ingestions by final status",
			},
			[]string{"status"},
		),
		IngestionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_ingestion_duration_seconds",
				Help:    "End-to-end ingestion duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		ArchiveProcessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hangar_archive_process_duration_seconds",
				Help:    "Archive validation and repack duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		ArchiveUncompressedBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hangar_archive_uncompressed_bytes",
				Help:    "Uncompressed size of processed archives in bytes",
				Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
		),

		BlobOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_blob_operations_total",
				Help: "Total number of blob storage operations",
			},
			[]string{"operation", "status"},
		),
		BlobOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_blob_operation_duration_seconds",
				Help:    "Blob storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		BrokerReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_broker_reconnects_total",
				Help: "Total number of job broker reconnect attempts",
			},
		),
		BrokerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_broker_messages_total",
				Help: "Total number of job broker messages by type and direction",
			},
			[]string{"type", "direction"},
		),
		BrokerAbortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_broker_aborts_total",
				Help: "Total number of broker-initiated job aborts",
			},
		),

		SnapshotBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_snapshot_builds_total",
				Help: "Total number of catalog snapshot builds",
			},
			[]string{"status"},
		),
		SnapshotBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hangar_snapshot_build_duration_seconds",
				Help:    "Catalog snapshot build duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SnapshotPackages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_snapshot_packages",
				Help: "Number of packages in the last catalog snapshot",
			},
		),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_rate_limit_rejections_total",
				Help: "Total number of rate-limited requests by route",
			},
			[]string{"route"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		PackagesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_packages_total",
				Help: "Total number of packages",
			},
		),
		VersionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_versions_total",
				Help: "Total number of published versions",
			},
		),
		AuthorsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_authors_total",
				Help: "Total number of registered authors",
			},
		),
		APITokensActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_api_tokens_active",
				Help: "Number of active API token descriptors",
			},
		),
		InstallsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_installs_total",
				Help: "Total number of recorded package installs",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.IngestionsTotal,
		m.IngestionDuration,
		m.ArchiveProcessDuration,
		m.ArchiveUncompressedBytes,
		m.BlobOperationsTotal,
		m.BlobOperationDuration,
		m.BrokerReconnectsTotal,
		m.BrokerMessagesTotal,
		m.BrokerAbortsTotal,
		m.SnapshotBuildsTotal,
		m.SnapshotBuildDuration,
		m.SnapshotPackages,
		m.RateLimitRejectionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.PackagesTotal,
		m.VersionsTotal,
		m.AuthorsTotal,
		m.APITokensActive,
		m.InstallsTotal,
	)

	return m
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

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
