package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cnc"

// Job results recorded by JobsCompleted.
const (
	ResultFinished    = "finished"
	ResultDeviceFault = "device_fault"
	ResultFileError   = "file_error"
	ResultCancelled   = "cancelled"
	ResultError       = "error"
)

// Collector holds the worker's Prometheus instruments. A nil *Collector is
// valid and records nothing.
type Collector struct {
	LinesStreamed prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	BufferFill    prometheus.Gauge
	HeadroomWait  prometheus.Histogram
	JobDuration   prometheus.Histogram
}

// New registers the instruments with reg. Pass a fresh prometheus.Registry in
// tests to avoid duplicate registration against the default registry.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		LinesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "lines_total",
			Help:      "G-code lines written to the controller",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Jobs that left the streaming loop, by result",
		}, []string{"result"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Execution runs, by outcome",
		}, []string{"outcome"}),
		BufferFill: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "buffer_fill_percent",
			Help:      "Last observed controller RX buffer fill",
		}),
		HeadroomWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "headroom_wait_seconds",
			Help:      "Time spent waiting for buffer space before a line",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time from in_progress to the end of streaming",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

func (c *Collector) LineStreamed() {
	if c == nil {
		return
	}
	c.LinesStreamed.Inc()
}

func (c *Collector) ObserveBufferFill(fill int) {
	if c == nil {
		return
	}
	c.BufferFill.Set(float64(fill))
}

func (c *Collector) ObserveHeadroomWait(d time.Duration) {
	if c == nil {
		return
	}
	c.HeadroomWait.Observe(d.Seconds())
}

func (c *Collector) JobDone(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.JobsCompleted.WithLabelValues(result).Inc()
	if d > 0 {
		c.JobDuration.Observe(d.Seconds())
	}
}

func (c *Collector) RunDone(outcome string) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(outcome).Inc()
}
