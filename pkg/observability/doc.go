// Package observability provides structured logging, Prometheus metrics, and
// health checks for the registry.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("package_id", id).Info("ingestion started")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.IngestionsTotal.WithLabelValues("Processed").Inc()
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient, blobStore)
//	status := checker.Check(ctx)
package observability
