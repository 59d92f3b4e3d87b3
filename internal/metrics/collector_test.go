package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordIngest("ok", 1, 0, 0, 10, time.Second)
		c.CacheRecompute()
		c.CacheError()
		c.TrainingStarted("resnet50")("trained")
		c.TrainingRetry()
		c.EnqueueError()
	})
}

func TestTrainingInFlightGauge(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	done := c.TrainingStarted("resnet50")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingInFlight))

	done("trained")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.trainingInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingJobs.WithLabelValues("trained")))
}

func TestRecordIngest(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordIngest("ok", 3, 1, 2, 2048, 50*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.ingestedImages.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestedImages.WithLabelValues("duplicate")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ingestedImages.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestRequests.WithLabelValues("ok")))
}
