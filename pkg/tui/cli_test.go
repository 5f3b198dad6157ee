package tui

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightflow/weightflow/internal/model"
	"github.com/weightflow/weightflow/pkg/checkpoint"
	"github.com/weightflow/weightflow/pkg/progress"
	"github.com/weightflow/weightflow/pkg/writer"
)

func TestFormatting(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatDuration(250 * time.Millisecond), "250ms"},
		{formatDuration(2500 * time.Millisecond), "2.5s"},
		{formatDuration(125 * time.Second), "2m5s"},
		{formatNumber(999), "999"},
		{formatNumber(12_500), "12.5K"},
		{formatNumber(3_200_000), "3.2M"},
		{formatBytes(512), "512 B"},
		{formatBytes(1536), "1.5 KB"},
		{formatBytes(5 << 20), "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got)
	}
}

func TestPrintRunReport(t *testing.T) {
	var buf bytes.Buffer
	PrintRunReport(&buf, &RunReport{
		Output:          "weights.parquet",
		Range:           model.JobRange{Start: 100, End: 200},
		TotalEvents:     400,
		EventsProcessed: 100,
		RowsWritten:     99,
		Skipped:         1,
		OutputSize:      2048,
		Duration:        2 * time.Second,
	})
	out := buf.String()
	assert.Contains(t, out, "WEIGHTS COMPUTED")
	assert.Contains(t, out, "[100, 200) of 400")
	assert.Contains(t, out, "weights.parquet")
	assert.Contains(t, out, "2.0 KB")
	assert.Contains(t, out, "50.0 events/sec")

	buf.Reset()
	PrintRunReport(&buf, &RunReport{Err: errors.New("[E104] required field not found")})
	assert.Contains(t, buf.String(), "RUN FAILED")
	assert.Contains(t, buf.String(), "E104")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, "w.parquet", &writer.Summary{
		Rows: 5, MeanWeight: 3, MinWeight: 0, MaxWeight: 6, TotalTimeMs: 1500, MeanTimeMs: 300,
	})
	out := buf.String()
	assert.Contains(t, out, "WEIGHTS SUMMARY")
	assert.Contains(t, out, "1.5s total, 300.0 ms/event")
}

func TestPrintPlanAndLedger(t *testing.T) {
	var buf bytes.Buffer
	PrintPlan(&buf, 10, []model.JobRange{{Start: 0, End: 3}, {Start: 3, End: 6}, {Start: 6, End: 10}})
	assert.Contains(t, buf.String(), "[6, 10)")
	assert.Contains(t, buf.String(), "4 events")

	buf.Reset()
	PrintLedger(&buf, "local", nil)
	assert.Contains(t, buf.String(), "no entries")

	buf.Reset()
	PrintLedger(&buf, "local", []*checkpoint.Entry{{
		Key:   checkpoint.StepKey(3, 1),
		Phase: checkpoint.PhaseFailed,
		Range: model.JobRange{Start: 3, End: 6},
		Error: "engine crashed",
	}})
	assert.Contains(t, buf.String(), "step-0001-of-0003")
	assert.Contains(t, buf.String(), "engine crashed")
}

func TestPrintVerify(t *testing.T) {
	var buf bytes.Buffer
	PrintVerify(&buf, 10, []VerifyLine{{Path: "a.parquet", Rows: 6}, {Path: "b.parquet", Rows: 3}}, false)
	assert.Contains(t, buf.String(), "mismatch (-1)")
}

func TestShowProgress_IsProgressSink(t *testing.T) {
	var sink progress.Sink = ShowProgress(io.Discard, 10, "weighting")
	require.NoError(t, sink.Set64(5))
	require.NoError(t, sink.Finish())
}
