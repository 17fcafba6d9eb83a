package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "farm_ingest"

// Metrics holds the Prometheus collectors for scheduling, ingestion, upstream calls and the cache.
type Metrics struct {
	// Scheduler metrics.
	JobRuns     *prometheus.CounterVec   // labels: job, status={ok,error,panic}
	JobSkipped  *prometheus.CounterVec   // labels: job
	JobDuration *prometheus.HistogramVec // labels: job

	// Ingestion metrics.
	IngestRuns        *prometheus.CounterVec // labels: kind, outcome
	ReadingsInserted  *prometheus.CounterVec // labels: kind
	ReadingsDuplicate *prometheus.CounterVec // labels: kind
	ReadingsRejected  *prometheus.CounterVec // labels: kind, reason

	// Upstream metrics.
	UpstreamRequests *prometheus.CounterVec   // labels: api, outcome={success,error,circuit_open}
	UpstreamDuration *prometheus.HistogramVec // labels: api

	CacheErrors *prometheus.CounterVec // labels: op
}

// NewMetrics creates all metrics and registers them with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests may build as many instances as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job invocations by job and status.",
		}, []string{"job", "status"}),
		JobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skipped_total",
			Help:      "Ticks skipped because the previous invocation was still running.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job invocation.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Per-entity ingestion runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReadingsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_inserted_total",
			Help:      "Readings written to the datastore.",
		}, []string{"kind"}),
		ReadingsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_duplicate_total",
			Help:      "Candidate readings skipped as duplicates.",
		}, []string{"kind"}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Raw records refused by the validator, by reason.",
		}, []string{"kind", "reason"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Third-party API requests by api and outcome.",
		}, []string{"api", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Third-party API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"api"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Failed cache operations by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobRuns,
		m.JobSkipped,
		m.JobDuration,
		m.IngestRuns,
		m.ReadingsInserted,
		m.ReadingsDuplicate,
		m.ReadingsRejected,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.CacheErrors,
	}
}
