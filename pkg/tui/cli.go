// Package tui renders weightflow's human-facing output.
// Simple, streaming, no complex TUI - just clean reports on a writer.
package tui

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/weightflow/weightflow/internal/model"
	"github.com/weightflow/weightflow/pkg/checkpoint"
	"github.com/weightflow/weightflow/pkg/writer"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

const rule = "  ─────────────────────────────────────"

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(label), titleStyle.Render(value))
}

// RunReport summarises a finished run.
type RunReport struct {
	Output          string
	Range           model.JobRange
	TotalEvents     int64
	EventsProcessed int64
	RowsWritten     int64
	Skipped         int
	OutputSize      int64
	Duration        time.Duration
	Err             error
}

// PrintRunReport prints results after a run.
func PrintRunReport(w io.Writer, report *RunReport) {
	fmt.Fprintln(w)
	if report.Err != nil {
		fmt.Fprintln(w, accentStyle.Render("  ✗ RUN FAILED"))
		fmt.Fprintf(w, "  %s\n", mutedStyle.Render(report.Err.Error()))
	} else {
		fmt.Fprintln(w, successStyle.Render("  ✓ WEIGHTS COMPUTED"))
	}
	fmt.Fprintln(w)

	field(w, "Range:", fmt.Sprintf("[%d, %d) of %s", report.Range.Start, report.Range.End, formatNumber(report.TotalEvents)))
	field(w, "Events:", formatNumber(report.EventsProcessed))
	field(w, "Rows:", formatNumber(report.RowsWritten))
	if report.Skipped > 0 {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Skipped:"), accentStyle.Render(fmt.Sprintf("%d", report.Skipped)))
	}
	if report.Output != "" {
		fmt.Fprintf(w, "  %s %s %s\n", mutedStyle.Render("Output:"), codeStyle.Render(report.Output),
			mutedStyle.Render(formatBytes(report.OutputSize)))
	}

	if report.Duration > 0 {
		throughput := float64(report.EventsProcessed) / report.Duration.Seconds()
		fmt.Fprintf(w, "  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(report.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%.1f events/sec)", throughput)))
	}
	fmt.Fprintln(w)
}

// PrintSummary renders the aggregate statistics of a weights table.
func PrintSummary(w io.Writer, path string, s *writer.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("▸ WEIGHTS SUMMARY"))
	fmt.Fprintf(w, "  %s\n", codeStyle.Render(path))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	field(w, "Rows:", fmt.Sprintf("%d", s.Rows))
	field(w, "Mean weight:", fmt.Sprintf("%.6g", s.MeanWeight))
	field(w, "Min weight:", fmt.Sprintf("%.6g", s.MinWeight))
	field(w, "Max weight:", fmt.Sprintf("%.6g", s.MaxWeight))
	field(w, "Mean uncertainty:", fmt.Sprintf("%.6g", s.MeanWeightErr))
	field(w, "Engine time:", fmt.Sprintf("%s total, %.1f ms/event",
		formatDuration(time.Duration(s.TotalTimeMs*float64(time.Millisecond))), s.MeanTimeMs))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	fmt.Fprintln(w)
}

// PrintPlan lists the event range of every job step.
func PrintPlan(w io.Writer, totalEvents int64, ranges []model.JobRange) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", accentStyle.Render("▸ JOB PLAN"),
		mutedStyle.Render(fmt.Sprintf("%d events, %d steps", totalEvents, len(ranges))))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	for i, r := range ranges {
		fmt.Fprintf(w, "  %s%s%s\n",
			cellStyle.Render(fmt.Sprintf("step %-4d", i)),
			cellStyle.Render(fmt.Sprintf("[%d, %d)", r.Start, r.End)),
			mutedStyle.Render(fmt.Sprintf("%d events", r.Len())))
	}
	fmt.Fprintln(w)
}

// PrintLedger lists the step ledger entries.
func PrintLedger(w io.Writer, backend string, entries []*checkpoint.Entry) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", accentStyle.Render("▸ STEP LEDGER"), mutedStyle.Render(backend))
	if len(entries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  no entries"))
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))
	for _, e := range entries {
		phase := string(e.Phase)
		switch e.Phase {
		case checkpoint.PhaseComplete:
			phase = successStyle.Render(phase)
		case checkpoint.PhaseFailed:
			phase = accentStyle.Render(phase)
		}
		fmt.Fprintf(w, "  %s%s%s%s\n",
			cellStyle.Render(fmt.Sprintf("%-22s", e.Key)),
			cellStyle.Render(fmt.Sprintf("%-9s", phase)),
			cellStyle.Render(fmt.Sprintf("[%d, %d)", e.Range.Start, e.Range.End)),
			mutedStyle.Render(fmt.Sprintf("%d rows, updated %s", e.RowsWritten, e.UpdatedAt.Format(time.RFC3339))))
		if e.Error != "" {
			fmt.Fprintf(w, "    %s\n", mutedStyle.Render(e.Error))
		}
	}
	fmt.Fprintln(w)
}

// VerifyLine is one compared artifact.
type VerifyLine struct {
	Path string
	Rows int64
}

// PrintVerify reports an input/output row count comparison.
func PrintVerify(w io.Writer, inputRows int64, outputs []VerifyLine, ok bool) {
	fmt.Fprintln(w)
	field(w, "Input events:", fmt.Sprintf("%d", inputRows))
	var sum int64
	for _, o := range outputs {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(fmt.Sprintf("%8d", o.Rows)), o.Path)
		sum += o.Rows
	}
	field(w, "Weight rows:", fmt.Sprintf("%d", sum))
	if ok {
		fmt.Fprintln(w, successStyle.Render("  ✓ row counts match"))
	} else {
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("  ✗ row count mismatch (%+d)", sum-inputRows)))
	}
	fmt.Fprintln(w)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// ShowProgress creates a progress bar over the events of a job range.
func ShowProgress(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
