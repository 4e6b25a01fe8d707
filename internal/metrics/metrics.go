// Package metrics exports dispatch engine activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"modelcall/internal/dispatch"
)

// Recorder implements dispatch.Observer on its own registry so that several
// engines in one process, or tests, never collide on global state.
type Recorder struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	records  *prometheus.CounterVec
	inflight prometheus.Gauge
	duration prometheus.Histogram
	flushes  prometheus.Counter
}

var _ dispatch.Observer = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelcall_attempts_total",
				Help: "Completed call attempts by classified outcome",
			},
			[]string{"outcome"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelcall_records_total",
				Help: "Terminal records buffered for writing, by stream",
			},
			[]string{"stream"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelcall_inflight_calls",
			Help: "Calls currently outstanding",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelcall_call_duration_seconds",
			Help:    "Call latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelcall_flushes_total",
			Help: "Result batches written",
		}),
	}
	r.registry.MustRegister(
		r.attempts,
		r.records,
		r.inflight,
		r.duration,
		r.flushes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the registry for serving or testing.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// CallStarted implements dispatch.Observer.
func (r *Recorder) CallStarted() {
	r.inflight.Inc()
}

// CallFinished implements dispatch.Observer.
func (r *Recorder) CallFinished(kind dispatch.OutcomeKind, elapsed time.Duration) {
	r.inflight.Dec()
	r.attempts.WithLabelValues(kind.String()).Inc()
	if elapsed > 0 {
		r.duration.Observe(elapsed.Seconds())
	}
}

// RecordBuffered implements dispatch.Observer.
func (r *Recorder) RecordBuffered(stream dispatch.StreamKind) {
	r.records.WithLabelValues(stream.String()).Inc()
}

// Flushed implements dispatch.Observer.
func (r *Recorder) Flushed() {
	r.flushes.Inc()
}
