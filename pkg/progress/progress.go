// Package progress reports how far a job has advanced through the dataset.
//
// Lines are written at a fixed granularity of the total event count, using
// the absolute dataset position of the job rather than a count relative to
// its range start.
package progress

import (
	"fmt"
	"io"
	"math"
	"sync"
)

// Fractions is the number of progress lines printed over a full dataset.
const Fractions = 20

// DefaultInterval is the reporting interval when the total is unknown.
const DefaultInterval = 1000

// Sink receives every observed position relative to the job start.
// *progressbar.ProgressBar satisfies it.
type Sink interface {
	Set64(n int64) error
	Finish() error
}

// Reporter writes progress lines to w.
type Reporter struct {
	mu          sync.Mutex
	w           io.Writer
	total       int64
	offset      int64
	granularity int64
	sinks       []Sink
}

// New creates a reporter. total is the number of events in the whole
// dataset (0 when unknown) and offset is the absolute position the job
// starts at. A nil w discards the lines.
func New(w io.Writer, total, offset int64) *Reporter {
	if w == nil {
		w = io.Discard
	}
	g := int64(DefaultInterval)
	if total > 0 {
		g = total / Fractions
		if g < 1 {
			g = 1
		}
	}
	return &Reporter{w: w, total: total, offset: offset, granularity: g}
}

// Granularity returns the reporting interval in events.
func (r *Reporter) Granularity() int64 { return r.granularity }

// AddSink attaches an extra progress sink such as a terminal bar.
func (r *Reporter) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Observe records that counter events of the dataset have been passed and
// prints a line when counter lands on the granularity.
func (r *Reporter) Observe(counter int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sinks {
		s.Set64(counter - r.offset)
	}
	if counter%r.granularity == 0 {
		fmt.Fprintln(r.w, r.line(counter))
	}
}

// Done prints the final line unconditionally and finishes the sinks.
func (r *Reporter) Done(counter int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sinks {
		s.Set64(counter - r.offset)
		s.Finish()
	}
	fmt.Fprintln(r.w, r.line(counter))
}

// Line formats the progress message for counter.
func (r *Reporter) Line(counter int64) string {
	return r.line(counter)
}

func (r *Reporter) line(counter int64) string {
	if r.total <= 0 {
		return fmt.Sprintf("calculated weights for %d events", counter)
	}
	pct := math.Round(float64(counter) * 100 / float64(r.total))
	return fmt.Sprintf("calculated weights for %d events (%.0f%% of %d events)", counter, pct, r.total)
}
