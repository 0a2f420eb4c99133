package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

func TestObserveAttempt(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveAttempt(adapter.Attempt{Outcome: adapter.OutcomeNotResponsive})
	m.ObserveAttempt(adapter.Attempt{Outcome: adapter.OutcomeNotResponsive})
	m.ObserveAttempt(adapter.Attempt{Outcome: adapter.OutcomeConnected})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("not_responsive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("connected")))
}

func TestObserveSampleCountsUnavailable(t *testing.T) {
	m := New(prometheus.NewRegistry())
	s := acquire.Sample{Readings: []acquire.Value{
		{PID: obd.RPM, Valid: true},
		{PID: obd.AmbientAirTemp},
	}}
	m.ObserveSample(s, 0.2)
	m.ObserveSample(s, 0.3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.samples))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.unavailable.WithLabelValues("AMBIANT_AIR_TEMP")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.unavailable))
}

func TestGaugesAndRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetConnected(true)
	m.SetMonitoring(true)
	m.SetMonitoring(false)
	m.ObserveRun(acquire.Result{Outcome: acquire.ConnectionLost})
	m.ObserveSinkError()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.monitoring))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("connection_lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkErrors))

	n, err := testutil.GatherAndCount(reg, "obdlog_connected", "obdlog_monitoring")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}
