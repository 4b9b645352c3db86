// Package observability provides Prometheus metrics for the downloader.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "m3u8dl"

// Metrics holds all downloader metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobsSubmitted  prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	JobsInProgress prometheus.Gauge
	JobDuration    prometheus.Histogram

	// Segment metrics
	SegmentsCompleted prometheus.Counter
	SegmentsCached    prometheus.Counter
	SegmentsFailed    prometheus.Counter

	// Transport metrics
	TransportRequests *prometheus.CounterVec
	TransportRetries  prometheus.Counter
	TransportBytes    prometheus.Counter

	// Merge metrics
	MergeDuration *prometheus.HistogramVec
	MergeFailures *prometheus.CounterVec
}

// New creates all metrics on a dedicated registry, so several downloaders can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs downloaded and merged successfully",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Total number of jobs that failed to resolve, download or merge",
		}),
		JobsInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "in_progress",
			Help:      "Number of jobs currently running",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Histogram of job duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		SegmentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segments",
			Name:      "completed_total",
			Help:      "Total number of segments downloaded",
		}),
		SegmentsCached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segments",
			Name:      "cached_total",
			Help:      "Total number of segments found on disk and skipped",
		}),
		SegmentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segments",
			Name:      "failed_total",
			Help:      "Total number of segments that failed to download",
		}),

		TransportRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by purpose and status",
		}, []string{"purpose", "status"}),
		TransportRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Total number of retried transfers",
		}),
		TransportBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Total bytes read from the network",
		}),

		MergeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Histogram of merge duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		MergeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "failures_total",
			Help:      "Total number of failed merges",
		}, []string{"backend"}),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobTimer returns a function to record job duration.
func (m *Metrics) JobTimer() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()

	return func() {
		m.JobDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordJobSubmitted increments the submitted counter and the in-progress gauge.
func (m *Metrics) RecordJobSubmitted() {
	if m == nil {
		return
	}
	m.JobsSubmitted.Inc()
	m.JobsInProgress.Inc()
}

// RecordJobCompleted records a completed job.
func (m *Metrics) RecordJobCompleted() {
	if m == nil {
		return
	}
	m.JobsCompleted.Inc()
	m.JobsInProgress.Dec()
}

// RecordJobFailed records a failed job.
func (m *Metrics) RecordJobFailed() {
	if m == nil {
		return
	}
	m.JobsFailed.Inc()
	m.JobsInProgress.Dec()
}

// RecordSegment records a terminal segment outcome: completed, cached or failed.
func (m *Metrics) RecordSegment(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case "completed":
		m.SegmentsCompleted.Inc()
	case "cached":
		m.SegmentsCached.Inc()
	case "failed":
		m.SegmentsFailed.Inc()
	}
}

// RecordRequest records one HTTP round trip. Status 0 means the request never got a response.
func (m *Metrics) RecordRequest(purpose string, status int) {
	if m == nil {
		return
	}
	m.TransportRequests.WithLabelValues(purpose, strconv.Itoa(status)).Inc()
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.TransportRetries.Inc()
}

// AddBytes adds to the bytes read counter.
func (m *Metrics) AddBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransportBytes.Add(float64(n))
}

// MergeTimer returns a function that records the merge duration and, on error, a failure.
func (m *Metrics) MergeTimer(backend string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()

	return func(err error) {
		m.MergeDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
		if err != nil {
			m.MergeFailures.WithLabelValues(backend).Inc()
		}
	}
}
