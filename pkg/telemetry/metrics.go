package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of one run. Each run owns a private registry
// so the textfile only carries weightflow series.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal    *prometheus.CounterVec
	NormalizeSteps prometheus.Histogram
	EngineDuration prometheus.Histogram
	RowsWritten    prometheus.Counter
	RunDuration    prometheus.Gauge
	RunSuccess     prometheus.Gauge
}

// Event outcomes for EventsTotal.
const (
	OutcomeWeighted = "weighted"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// NewMetrics registers the run metrics with constant step labels.
func NewMetrics(labels prometheus.Labels) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(labels, reg))

	return &Metrics{
		registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weightflow_events_total",
			Help: "Events handled by outcome",
		}, []string{"outcome"}),
		NormalizeSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "weightflow_normalize_steps",
			Help:    "Energy increments needed to repair a four-momentum",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
		}),
		EngineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "weightflow_engine_duration_seconds",
			Help:    "Wall-clock time of one weight computation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		}),
		RowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "weightflow_rows_written_total",
			Help: "Rows persisted to the weights table",
		}),
		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weightflow_run_duration_seconds",
			Help: "Wall-clock time of the run",
		}),
		RunSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weightflow_run_success",
			Help: "1 when the run finished successfully",
		}),
	}
}

// ObserveEngine records one engine call.
func (m *Metrics) ObserveEngine(d time.Duration) {
	m.EngineDuration.Observe(d.Seconds())
	m.EventsTotal.WithLabelValues(OutcomeWeighted).Inc()
}

// Finish records the run outcome.
func (m *Metrics) Finish(d time.Duration, rows int64, ok bool) {
	m.RunDuration.Set(d.Seconds())
	m.RowsWritten.Add(float64(rows))
	if ok {
		m.RunSuccess.Set(1)
	} else {
		m.RunSuccess.Set(0)
	}
}

// WriteTextfile writes the metrics in the text exposition format, for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
