// Package metrics exposes connection and sampling counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
)

// Metrics holds the collectors. It implements adapter.Observer.
type Metrics struct {
	attempts    *prometheus.CounterVec
	samples     prometheus.Counter
	sinkErrors  prometheus.Counter
	unavailable *prometheus.CounterVec
	runs        *prometheus.CounterVec
	connected   prometheus.Gauge
	monitoring  prometheus.Gauge
	sampleTime  prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdlog_connection_attempts_total",
			Help: "Connection attempts by outcome",
		}, []string{"outcome"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdlog_samples_total",
			Help: "Samples emitted by the acquisition loop",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdlog_sink_errors_total",
			Help: "Samples a sink failed to accept",
		}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdlog_readings_unavailable_total",
			Help: "Readings the vehicle did not supply, by parameter",
		}, []string{"pid"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdlog_acquisition_runs_total",
			Help: "Finished acquisition runs by outcome",
		}, []string{"outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obdlog_connected",
			Help: "1 while a session is connected",
		}),
		monitoring: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obdlog_monitoring",
			Help: "1 while the acquisition loop runs",
		}),
		sampleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "obdlog_tick_duration_seconds",
			Help:    "Time spent querying one sample",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
	reg.MustRegister(m.attempts, m.samples, m.sinkErrors, m.unavailable, m.runs, m.connected, m.monitoring, m.sampleTime)
	return m
}

func (m *Metrics) ObserveAttempt(a adapter.Attempt) {
	m.attempts.WithLabelValues(a.Outcome.String()).Inc()
}

// ObserveSample counts a sample and its missing readings.
func (m *Metrics) ObserveSample(s acquire.Sample, seconds float64) {
	m.samples.Inc()
	m.sampleTime.Observe(seconds)
	for _, v := range s.Readings {
		if !v.Valid {
			m.unavailable.WithLabelValues(string(v.PID)).Inc()
		}
	}
}

func (m *Metrics) ObserveSinkError() { m.sinkErrors.Inc() }

// ObserveRun records the end of an acquisition run.
func (m *Metrics) ObserveRun(res acquire.Result) {
	m.runs.WithLabelValues(res.Outcome.String()).Inc()
}

func (m *Metrics) SetConnected(on bool)  { m.connected.Set(boolGauge(on)) }
func (m *Metrics) SetMonitoring(on bool) { m.monitoring.Set(boolGauge(on)) }

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

var _ adapter.Observer = (*Metrics)(nil)
