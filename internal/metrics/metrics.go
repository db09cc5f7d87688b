// Package metrics provides Prometheus metrics for the fetcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the fetcher.
type Metrics struct {
	// Remote request metrics
	SubmissionsTotal *prometheus.CounterVec
	PollsTotal       *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec

	// Lifecycle metrics
	ChunksInState   *prometheus.GaugeVec
	OutstandingJobs prometheus.Gauge
	ExpiriesTotal   *prometheus.CounterVec
	ChunksAbandoned *prometheus.CounterVec

	// Download metrics
	DownloadsTotal     *prometheus.CounterVec
	DownloadBytesTotal *prometheus.CounterVec

	// Timing metrics
	QueueWaitSeconds        *prometheus.HistogramVec
	DownloadDurationSeconds *prometheus.HistogramVec

	// Size metrics
	ChunkBytes *prometheus.HistogramVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "era_fetcher"
	}

	m := &Metrics{
		SubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Total number of chunk requests submitted to the remote API",
			},
			[]string{"product"},
		),
		PollsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of job status polls",
			},
			[]string{"product"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried remote calls",
			},
			[]string{"operation"},
		),
		ChunksInState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chunks",
				Help:      "Number of chunks currently in each lifecycle state",
			},
			[]string{"state"},
		),
		OutstandingJobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outstanding_jobs",
				Help:      "Number of remote jobs currently in flight",
			},
		),
		ExpiriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expiries_total",
				Help:      "Total number of remote jobs that expired before retrieval",
			},
			[]string{"product"},
		),
		ChunksAbandoned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_abandoned_total",
				Help:      "Total number of chunks given up after exhausting retries",
			},
			[]string{"product"},
		),
		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of chunk results downloaded and verified",
			},
			[]string{"product"},
		),
		DownloadBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Total bytes written to the sink",
			},
			[]string{"product"},
		),
		QueueWaitSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time from submission to remote completion",
				Buckets:   prometheus.ExponentialBuckets(60, 2, 10), // 1min to ~17h
			},
			[]string{"product"},
		),
		DownloadDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "download_duration_seconds",
				Help:      "Time to download and verify a chunk result",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
			},
			[]string{"product"},
		),
		ChunkBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_bytes",
				Help:      "Size of downloaded chunks in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to ~4GB
			},
			[]string{"product"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Product   string
	State     string
	Operation string
}

// IncSubmissions increments the submissions counter.
func (m *Metrics) IncSubmissions(l Labels) {
	m.SubmissionsTotal.WithLabelValues(l.Product).Inc()
}

// IncPolls increments the polls counter.
func (m *Metrics) IncPolls(l Labels) {
	m.PollsTotal.WithLabelValues(l.Product).Inc()
}

// IncRetries increments the retried calls counter.
func (m *Metrics) IncRetries(l Labels) {
	m.RetriesTotal.WithLabelValues(l.Operation).Inc()
}

// SetChunksInState sets the chunk count gauge for one state.
func (m *Metrics) SetChunksInState(state string, count float64) {
	m.ChunksInState.WithLabelValues(state).Set(count)
}

// SetOutstandingJobs sets the in-flight job gauge.
func (m *Metrics) SetOutstandingJobs(count float64) {
	m.OutstandingJobs.Set(count)
}

// IncExpiries increments the expiry counter.
func (m *Metrics) IncExpiries(l Labels) {
	m.ExpiriesTotal.WithLabelValues(l.Product).Inc()
}

// IncChunksAbandoned increments the abandoned chunk counter.
func (m *Metrics) IncChunksAbandoned(l Labels) {
	m.ChunksAbandoned.WithLabelValues(l.Product).Inc()
}

// IncDownloads increments the completed download counter.
func (m *Metrics) IncDownloads(l Labels) {
	m.DownloadsTotal.WithLabelValues(l.Product).Inc()
}

// AddDownloadBytes adds to the downloaded bytes counter.
func (m *Metrics) AddDownloadBytes(l Labels, bytes float64) {
	m.DownloadBytesTotal.WithLabelValues(l.Product).Add(bytes)
}

// ObserveQueueWait records the submission to completion wait.
func (m *Metrics) ObserveQueueWait(l Labels, seconds float64) {
	m.QueueWaitSeconds.WithLabelValues(l.Product).Observe(seconds)
}

// ObserveDownloadDuration records the download and verify time.
func (m *Metrics) ObserveDownloadDuration(l Labels, seconds float64) {
	m.DownloadDurationSeconds.WithLabelValues(l.Product).Observe(seconds)
}

// ObserveChunkBytes records the size of a downloaded chunk.
func (m *Metrics) ObserveChunkBytes(l Labels, bytes float64) {
	m.ChunkBytes.WithLabelValues(l.Product).Observe(bytes)
}
