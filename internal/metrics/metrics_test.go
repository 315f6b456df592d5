package metrics

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsExistingMetric(t *testing.T) {
	r := NewRegistry("ns")
	c := r.Counter("hits", "help", nil)
	assert.Same(t, c, r.Counter("hits", "other help", nil))
	assert.Equal(t, "ns_hits", c.Name())

	assert.Equal(t, "plain", NewRegistry("").Gauge("plain", "", nil).Name())
}

func TestCounterConcurrent(t *testing.T) {
	c := NewRegistry("").Counter("c", "", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 800, c.Value())
}

func TestGauge(t *testing.T) {
	g := NewRegistry("").Gauge("g", "", nil)
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.EqualValues(t, 4, g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("")
	h := r.Histogram("h", "", nil, []float64{10, 1, 5})
	for _, v := range []float64{0.5, 1, 3, 7, 100} {
		h.Observe(v)
	}
	assert.EqualValues(t, 5, h.Count())
	assert.InDelta(t, 111.5, h.Sum(), 1e-9)
	assert.InDelta(t, 22.3, h.Mean(), 1e-9)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, `h_bucket{le="1"} 2`)
	assert.Contains(t, out, `h_bucket{le="5"} 3`)
	assert.Contains(t, out, `h_bucket{le="10"} 4`)
	assert.Contains(t, out, `h_bucket{le="+Inf"} 5`)
	assert.Contains(t, out, "h_count 5\n")
}

func TestHistogramTimer(t *testing.T) {
	h := NewRegistry("").Histogram("t", "", nil, nil)
	d := h.Timer().Stop()
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.EqualValues(t, 1, h.Count())
	assert.Zero(t, NewRegistry("").Histogram("empty", "", nil, nil).Mean())
}

func TestWritePrometheusLabelsAndOrder(t *testing.T) {
	r := NewRegistry("wm")
	r.Counter("b_total", "B", Labels{"method": "hash-eof", "a": "x"}).Add(3)
	r.Counter("a_total", "A", nil).Inc()
	r.Gauge("open", "Open", nil).Set(-2)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()

	assert.Contains(t, out, "# HELP wm_a_total A\n# TYPE wm_a_total counter\nwm_a_total 1\n")
	assert.Contains(t, out, `wm_b_total{a="x",method="hash-eof"} 3`)
	assert.Contains(t, out, "# TYPE wm_open gauge\nwm_open -2\n")
	assert.Less(t, strings.Index(out, "wm_a_total"), strings.Index(out, "wm_b_total"))
}

func TestMetricTypeString(t *testing.T) {
	assert.Equal(t, "counter", TypeCounter.String())
	assert.Equal(t, "gauge", TypeGauge.String())
	assert.Equal(t, "histogram", TypeHistogram.String())
	assert.Equal(t, "unknown", MetricType(9).String())
}

func TestServiceMetrics(t *testing.T) {
	m := New(NewRegistry("watermarkd"))

	m.RecordHandshake(nil)
	m.RecordHandshake(errors.New("rejected"))
	m.RecordIssuance(20*time.Millisecond, 4096, nil)
	m.RecordIssuance(0, 0, errors.New("no session"))
	m.RecordTrace(nil)
	m.RecordTrace(errors.New("not issued"))
	m.Update(3)

	snap := m.Registry().Snapshot()
	assert.EqualValues(t, 2, snap["watermarkd_handshakes_total"])
	assert.EqualValues(t, 1, snap["watermarkd_handshake_failures_total"])
	assert.EqualValues(t, 1, snap["watermarkd_issuances_total"])
	assert.EqualValues(t, 1, snap["watermarkd_issuance_failures_total"])
	assert.EqualValues(t, 1, snap["watermarkd_traces_total"])
	assert.EqualValues(t, 1, snap["watermarkd_trace_failures_total"])
	assert.EqualValues(t, 3, snap["watermarkd_pending_sessions"])
	assert.EqualValues(t, 1, snap["watermarkd_issued_document_bytes_count"])
	assert.InDelta(t, 4096, snap["watermarkd_issued_document_bytes_mean"], 1e-9)
	assert.InDelta(t, 0.02, snap["watermarkd_issuance_duration_seconds_mean"], 1e-9)
}

func TestNilServiceMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHandshake(nil)
		m.RecordIssuance(time.Second, 1, nil)
		m.RecordTrace(nil)
		m.Update(1)
	})
	assert.Nil(t, m.Registry())
}
