package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.LineStreamed()
	c.LineStreamed()
	c.ObserveBufferFill(42)
	c.JobDone(ResultFinished, time.Second)
	c.RunDone("ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.LinesStreamed))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.BufferFill))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.JobsCompleted.WithLabelValues(ResultFinished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs.WithLabelValues("ok")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.LineStreamed()
		c.ObserveBufferFill(10)
		c.ObserveHeadroomWait(time.Millisecond)
		c.JobDone(ResultDeviceFault, 0)
		c.RunDone("error")
	})
}
