package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics(prometheus.Labels{"step": "2", "nsteps": "5"})
	m.ObserveEngine(20 * time.Millisecond)
	m.ObserveEngine(40 * time.Millisecond)
	m.EventsTotal.WithLabelValues(OutcomeSkipped).Inc()
	m.NormalizeSteps.Observe(3)
	m.Finish(2*time.Second, 2, true)

	path := filepath.Join(t.TempDir(), "weightflow.prom")
	require.NoError(t, m.WriteTextfile(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	require.NoError(t, err)

	events := families["weightflow_events_total"]
	require.NotNil(t, events)
	byOutcome := map[string]float64{}
	for _, metric := range events.GetMetric() {
		labels := map[string]string{}
		for _, lp := range metric.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		assert.Equal(t, "2", labels["step"])
		byOutcome[labels["outcome"]] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, byOutcome[OutcomeWeighted])
	assert.Equal(t, 1.0, byOutcome[OutcomeSkipped])

	engine := families["weightflow_engine_duration_seconds"]
	require.NotNil(t, engine)
	assert.EqualValues(t, 2, engine.GetMetric()[0].GetHistogram().GetSampleCount())

	rows := families["weightflow_rows_written_total"]
	require.NotNil(t, rows)
	assert.Equal(t, 2.0, rows.GetMetric()[0].GetCounter().GetValue())

	success := families["weightflow_run_success"]
	require.NotNil(t, success)
	assert.Equal(t, 1.0, success.GetMetric()[0].GetGauge().GetValue())
}
