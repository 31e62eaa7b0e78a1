package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the ordering engine.
// A Metrics built from a disabled config is a no-op.
type Metrics struct {
	config MetricsConfig

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	compactions        *prometheus.CounterVec
	compactionRetries  prometheus.Counter
	compactionQueue    prometheus.Gauge
	positionsRewritten prometheus.Counter

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of ordering operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of ordering operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		compactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Total number of compaction tasks by final status",
			},
			[]string{"status"},
		),
		compactionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compaction_retries_total",
				Help:      "Total number of compaction attempts that were retried",
			},
		),
		compactionQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "compaction_queue_depth",
				Help:      "Current number of pending compaction tasks",
			},
		),
		positionsRewritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_rewritten_total",
				Help:      "Total number of order records renumbered by compaction",
			},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of operation errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.compactions,
		m.compactionRetries,
		m.compactionQueue,
		m.positionsRewritten,
		m.errorsByCode,
	)

	return m, nil
}

// RecordOperation records one engine operation with its outcome and duration.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an operation error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// RecordCompaction records a finished compaction task.
func (m *Metrics) RecordCompaction(status string, rewritten int) {
	if m == nil || m.compactions == nil {
		return
	}
	m.compactions.WithLabelValues(status).Inc()
	m.positionsRewritten.Add(float64(rewritten))
}

// RecordCompactionRetry counts a retried compaction attempt.
func (m *Metrics) RecordCompactionRetry() {
	if m == nil || m.compactionRetries == nil {
		return
	}
	m.compactionRetries.Inc()
}

// SetCompactionQueueDepth sets the number of pending compaction tasks.
func (m *Metrics) SetCompactionQueueDepth(depth int) {
	if m == nil || m.compactionQueue == nil {
		return
	}
	m.compactionQueue.Set(float64(depth))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics and returns it so
// the caller can shut it down.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
