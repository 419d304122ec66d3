package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestTimerDurationGrowsMonotonically(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()

	time.Sleep(20 * time.Millisecond)
	second := timer.Duration()

	assert.Greater(t, second, first)
}

func TestTimerObserveDurationDoesNotPanic(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_barn_duration_seconds",
		Help:    "test histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.NotPanics(t, func() { timer.ObserveDuration(histogram) })
}

func TestTimerObserveDurationVecDoesNotPanic(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_barn_duration_vec_seconds",
			Help:    "test histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.NotPanics(t, func() { timer.ObserveDurationVec(histogramVec, "run_job") })
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	JobsSubmittedTotal.Inc()
	assert.NotNil(t, Handler())
}
