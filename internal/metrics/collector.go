package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "image_classifier"

// Collector holds the ingestion and training metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	// Ingestion
	ingestRequests  *prometheus.CounterVec
	ingestedImages  *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	archiveSize     prometheus.Histogram
	cacheRecomputes prometheus.Counter
	cacheErrors     prometheus.Counter

	// Training
	trainingJobs     *prometheus.CounterVec
	trainingRetries  prometheus.Counter
	trainingDuration *prometheus.HistogramVec
	trainingInFlight prometheus.Gauge
	enqueueErrors    prometheus.Counter
}

// NewCollector registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in the binaries and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ingestRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Archive imports by result",
		}, []string{"result"}),
		ingestedImages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "images_total",
			Help:      "Archive entries by outcome (processed, duplicate, invalid)",
		}, []string{"outcome"}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Duration of archive imports",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		archiveSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "archive_size_bytes",
			Help:      "Size of uploaded archives",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
		}),
		cacheRecomputes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "count_cache",
			Name:      "recomputes_total",
			Help:      "Count cache misses that triggered a recount",
		}),
		cacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "count_cache",
			Name:      "errors_total",
			Help:      "Count cache errors that were logged and dropped",
		}),

		trainingJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "jobs_total",
			Help:      "Training jobs by outcome",
		}, []string{"outcome"}),
		trainingRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "retries_total",
			Help:      "Training attempts re-enqueued after a transient error",
		}),
		trainingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "duration_seconds",
			Help:      "Duration of training attempts",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"architecture"}),
		trainingInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "in_flight",
			Help:      "Training jobs currently running",
		}),
		enqueueErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "enqueue_errors_total",
			Help:      "Training tasks that could not be published",
		}),
	}
}

func (c *Collector) RecordIngest(result string, processed, duplicates, invalid int, archiveBytes int64, took time.Duration) {
	if c == nil {
		return
	}
	c.ingestRequests.WithLabelValues(result).Inc()
	c.ingestedImages.WithLabelValues("processed").Add(float64(processed))
	c.ingestedImages.WithLabelValues("duplicate").Add(float64(duplicates))
	c.ingestedImages.WithLabelValues("invalid").Add(float64(invalid))
	c.ingestDuration.Observe(took.Seconds())
	if archiveBytes > 0 {
		c.archiveSize.Observe(float64(archiveBytes))
	}
}

func (c *Collector) CacheRecompute() {
	if c == nil {
		return
	}
	c.cacheRecomputes.Inc()
}

func (c *Collector) CacheError() {
	if c == nil {
		return
	}
	c.cacheErrors.Inc()
}

// TrainingStarted bumps the in-flight gauge and returns the matching
// completion callback.
func (c *Collector) TrainingStarted(architecture string) func(outcome string) {
	if c == nil {
		return func(string) {}
	}
	start := time.Now()
	c.trainingInFlight.Inc()
	return func(outcome string) {
		c.trainingInFlight.Dec()
		c.trainingDuration.WithLabelValues(architecture).Observe(time.Since(start).Seconds())
		c.trainingJobs.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) TrainingRetry() {
	if c == nil {
		return
	}
	c.trainingRetries.Inc()
}

func (c *Collector) EnqueueError() {
	if c == nil {
		return
	}
	c.enqueueErrors.Inc()
}
