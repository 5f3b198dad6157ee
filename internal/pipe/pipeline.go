// Package pipe drives one weighting run: it reads the events of one job
// step, repairs and orders their kinematics, asks the engine for a weight,
// and persists one row per event.
package pipe

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/weightflow/weightflow/internal/model"
	"github.com/weightflow/weightflow/pkg/checkpoint"
	"github.com/weightflow/weightflow/pkg/engine"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
	"github.com/weightflow/weightflow/pkg/eventstore"
	"github.com/weightflow/weightflow/pkg/kinematics"
	"github.com/weightflow/weightflow/pkg/partition"
	"github.com/weightflow/weightflow/pkg/progress"
	"github.com/weightflow/weightflow/pkg/telemetry"
	"github.com/weightflow/weightflow/pkg/writer"
)

// Localizer turns an input location into a readable local path.
type Localizer interface {
	Localize(ctx context.Context, path, table string) (string, error)
}

// Config holds pipeline configuration.
type Config struct {
	// Input is the event store (file, directory or s3:// location).
	Input string

	// Output is the weights artifact path.
	Output string

	// Table is the logical table inside the event store.
	Table string

	// Variant selects the particles and columns.
	Variant eventstore.Variant

	// Steps and Step select the job range. Steps <= 0 runs the whole table.
	Steps int
	Step  int

	// ReadBatchSize is the number of input rows decoded at a time.
	ReadBatchSize int64

	// NormalizePolicy decides what happens to unrepairable events.
	NormalizePolicy NormalizePolicy

	// MaxSkips bounds the skipped events under NormalizeSkip (0 = unlimited).
	MaxSkips int64

	// WriterConfig configures the result table.
	WriterConfig writer.Config

	// Localizer resolves remote inputs. Local paths are used as given when nil.
	Localizer Localizer

	// Progress receives the textual progress lines. Nil disables them.
	Progress io.Writer

	// ProgressSink, when set, builds an extra sink for the number of events
	// in the job range (a terminal bar, for instance).
	ProgressSink func(events int64) progress.Sink

	// Ledger records the step outcome. Optional.
	Ledger *checkpoint.Ledger

	// Metrics collects run counters. Optional.
	Metrics *telemetry.Metrics

	// Logger for run events.
	Logger *zap.Logger

	// OnTransition is called after every state change.
	OnTransition func(from, to State)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:           eventstore.DefaultTable,
		Variant:         eventstore.DefaultVariant,
		ReadBatchSize:   eventstore.DefaultBatchSize,
		NormalizePolicy: NormalizeStrict,
		WriterConfig:    writer.DefaultConfig(),
	}
}

// Result summarises a run.
type Result struct {
	State           State
	Range           model.JobRange
	TotalEvents     int64
	EventsProcessed int64
	RowsWritten     int64
	Skipped         []int64
	Duration        time.Duration

	// Output is set once the weights table has been persisted, including the
	// partial table of a failed run.
	Output *writer.FinalizeResult
}

// Pipeline runs the event loop for one job step.
type Pipeline struct {
	cfg    Config
	client *engine.Client
	logger *zap.Logger

	state State
	entry *checkpoint.Entry
}

// NewPipeline creates a pipeline that weights events with e.
func NewPipeline(cfg Config, e engine.Engine) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Table == "" {
		cfg.Table = eventstore.DefaultTable
	}
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = eventstore.DefaultBatchSize
	}
	return &Pipeline{
		cfg:    cfg,
		client: engine.NewClient(e, cfg.Logger),
		logger: cfg.Logger,
		state:  StateInitializing,
	}
}

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

// Run executes the run once. The returned Result is never nil; on failure
// it carries whatever was processed and persisted before the error.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{State: p.state}

	ctx, span := telemetry.Tracer().Start(ctx, "weightflow.run",
		trace.WithAttributes(
			attribute.String("weightflow.input", p.cfg.Input),
			attribute.String("weightflow.output", p.cfg.Output),
			attribute.Int("weightflow.nsteps", p.cfg.Steps),
			attribute.Int("weightflow.step", p.cfg.Step),
		))
	defer span.End()

	err := p.run(ctx, res)
	res.Duration = time.Since(start)

	if err != nil {
		p.transition(res, StateFailed)
		telemetry.RecordError(ctx, err)
		p.logger.Error("run failed",
			zap.Error(err),
			zap.String("code", string(wferrors.GetCode(err))),
			zap.Int64("events", res.EventsProcessed),
			zap.Int64("rows", res.RowsWritten),
		)
	} else {
		p.logger.Info("run complete",
			zap.Int64("events", res.EventsProcessed),
			zap.Int64("rows", res.RowsWritten),
			zap.Int("skipped", len(res.Skipped)),
			zap.Duration("duration", res.Duration),
		)
	}
	span.SetAttributes(
		attribute.Int64("weightflow.events", res.EventsProcessed),
		attribute.Int64("weightflow.rows", res.RowsWritten),
	)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Finish(res.Duration, res.RowsWritten, err == nil)
	}
	p.record(ctx, res, err)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, res *Result) error {
	if err := p.validate(); err != nil {
		return err
	}

	p.transition(res, StatePartitioning)
	reader, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer reader.Close()

	res.TotalEvents = reader.TotalEvents()
	rng, err := partition.Range(res.TotalEvents, p.cfg.Steps, p.cfg.Step)
	if err != nil {
		return err
	}
	if err := reader.Restrict(rng); err != nil {
		return err
	}
	res.Range = rng
	p.logger.Info("job range",
		zap.Int64("start", rng.Start),
		zap.Int64("end", rng.End),
		zap.Int64("total_events", res.TotalEvents),
	)

	if p.cfg.Ledger != nil {
		entry, err := p.cfg.Ledger.Begin(ctx, p.cfg.Steps, p.cfg.Step, rng, p.cfg.Input, p.cfg.Output)
		if err != nil {
			return err
		}
		p.entry = entry
	}

	w := writer.NewResultWriter(p.cfg.WriterConfig)

	p.transition(res, StateStreaming)
	streamErr := p.stream(ctx, reader, w, res)

	p.transition(res, StateFinalizing)
	// The partial table of a failed stream is still written, so the
	// finalization must not inherit a cancellation.
	out, finErr := w.Finalize(context.WithoutCancel(ctx), p.cfg.Output)
	res.RowsWritten = w.Rows()
	res.Output = out

	if streamErr != nil {
		if finErr != nil {
			p.logger.Error("partial output not written", zap.Error(finErr), zap.String("output", p.cfg.Output))
		} else {
			p.logger.Warn("partial output written",
				zap.String("output", out.Path),
				zap.Int64("rows", out.Rows),
			)
		}
		return streamErr
	}
	if finErr != nil {
		return finErr
	}

	p.transition(res, StateDone)
	return nil
}

func (p *Pipeline) validate() error {
	if p.cfg.Input == "" {
		return wferrors.CLIArgument("input", "an input event store is required")
	}
	if p.cfg.Output == "" {
		return wferrors.CLIArgument("output", "an output path is required")
	}
	return partition.Validate(p.cfg.Steps, p.cfg.Step)
}

func (p *Pipeline) open(ctx context.Context) (*eventstore.Reader, error) {
	path := p.cfg.Input
	if p.cfg.Localizer != nil {
		local, err := p.cfg.Localizer.Localize(ctx, path, p.cfg.Table)
		if err != nil {
			return nil, err
		}
		path = local
	}
	return eventstore.Open(ctx, path, eventstore.Options{
		Table:     p.cfg.Table,
		Variant:   p.cfg.Variant,
		BatchSize: p.cfg.ReadBatchSize,
	})
}

// stream runs the event loop. The counter is the absolute index of the next
// event, so progress lines report positions within the whole table.
func (p *Pipeline) stream(ctx context.Context, r *eventstore.Reader, w *writer.ResultWriter, res *Result) error {
	rng := r.Range()
	rep := progress.New(p.cfg.Progress, r.TotalEvents(), rng.Start)
	if p.cfg.ProgressSink != nil {
		rep.AddSink(p.cfg.ProgressSink(rng.Len()))
	}

	skips := newSkipHandler(p.cfg.NormalizePolicy, p.cfg.MaxSkips, func(s SkipRecord) {
		p.logger.Warn("event skipped", zap.Int64("event", s.Event), zap.Error(s.Err))
		telemetry.AddSpanEvent(ctx, "event.skipped", attribute.Int64("weightflow.event", s.Event))
		p.count(telemetry.OutcomeSkipped)
	})
	defer func() { res.Skipped = skips.events() }()

	counter := rng.Start
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.count(telemetry.OutcomeFailed)
			return err
		}

		row, err := p.weigh(ctx, &rec)
		if err != nil {
			if !wferrors.IsCode(err, wferrors.CodeNormalization) {
				p.count(telemetry.OutcomeFailed)
				return err
			}
			if err := skips.handle(SkipRecord{Event: rec.Index, Err: err}); err != nil {
				p.count(telemetry.OutcomeFailed)
				return err
			}
		} else {
			if err := w.Append(row); err != nil {
				return err
			}
		}

		res.EventsProcessed++
		res.RowsWritten = w.Rows()
		counter++
		rep.Observe(counter)
	}

	rep.Done(counter)
	return nil
}

// weigh turns one raw record into an output row.
func (p *Pipeline) weigh(ctx context.Context, rec *model.EventRecord) (model.OutputRow, error) {
	steps, err := kinematics.NormalizeAll(rec.Particles)
	if err != nil {
		var wfErr *wferrors.Error
		if errors.As(err, &wfErr) {
			wfErr.WithContext("event", rec.Index)
		}
		return model.OutputRow{}, err
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.NormalizeSteps.Observe(float64(steps))
	}

	if _, err := kinematics.OrderLeptons(rec.LeadingPID, rec.Particles); err != nil {
		return model.OutputRow{}, wferrors.Wrap(err, wferrors.CodeInvalidFormat, "cannot order leptons").
			WithContext("event", rec.Index)
	}

	wr, err := p.client.Compute(ctx, *rec)
	if err != nil {
		return model.OutputRow{}, err
	}
	if p.cfg.Metrics != nil {
		// counts the event as weighted
		p.cfg.Metrics.ObserveEngine(wr.Elapsed)
	}
	return model.NewOutputRow(wr), nil
}

func (p *Pipeline) count(outcome string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) transition(res *Result, to State) {
	from := p.state
	if !canTransition(from, to) {
		p.logger.Warn("ignored state transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return
	}
	p.state = to
	res.State = to
	p.logger.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(from, to)
	}
}

// record stores the step outcome in the ledger. Ledger errors at this point
// are logged; the run outcome stands.
func (p *Pipeline) record(ctx context.Context, res *Result, runErr error) {
	if p.cfg.Ledger == nil || p.entry == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var err error
	if runErr != nil {
		err = p.cfg.Ledger.Fail(ctx, p.entry, res.RowsWritten, runErr)
	} else {
		err = p.cfg.Ledger.Complete(ctx, p.entry, res.RowsWritten, len(res.Skipped))
	}
	if err != nil {
		p.logger.Warn("failed to update ledger", zap.Error(err), zap.String("key", p.entry.Key))
	}
}
