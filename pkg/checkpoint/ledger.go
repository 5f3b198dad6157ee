// Package checkpoint records the outcome of each job step in a ledger so an
// operator can see which parts of a partitioned dataset still need a run.
//
// A step that fails is rerun from its range start; there is no mid-range
// resume because a step's output is only finalized once.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
	"github.com/weightflow/weightflow/pkg/storage/s3"
)

// Phase is the lifecycle stage of a step.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Entry is one step's ledger record.
type Entry struct {
	// ID identifies the run that last wrote the entry.
	ID string `json:"id"`

	// Key identifies the step within the partition (see StepKey).
	Key    string         `json:"key"`
	Step   int            `json:"step"`
	NSteps int            `json:"nsteps"`
	Range  model.JobRange `json:"range"`

	Input  string `json:"input"`
	Output string `json:"output"`

	Phase       Phase      `json:"phase"`
	RowsWritten int64      `json:"rows_written"`
	Skipped     int        `json:"skipped"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StepKey names the ledger slot of a step. Reruns of a step share the slot.
func StepKey(nsteps, step int) string {
	if nsteps <= 0 {
		return "whole"
	}
	return fmt.Sprintf("step-%04d-of-%04d", step, nsteps)
}

// Backend persists ledger entries.
type Backend interface {
	// Save writes e under e.Key, replacing any previous entry.
	Save(ctx context.Context, e *Entry) error

	// Load returns the entry stored under key.
	Load(ctx context.Context, key string) (*Entry, error)

	// List returns every entry.
	List(ctx context.Context) ([]*Entry, error)

	// Delete removes the entry stored under key.
	Delete(ctx context.Context, key string) error

	// Name returns the backend name for logging.
	Name() string

	Close() error
}

// Open creates the backend addressed by uri:
//
//	dir:///var/lib/weightflow/ledger   local JSON files
//	redis://host:6379/0                Redis keys
//	s3://bucket/prefix                 S3 objects
//
// newS3 is called only for s3:// ledgers.
func Open(ctx context.Context, uri string, newS3 func(context.Context) (*s3.Client, error)) (Backend, error) {
	switch {
	case strings.HasPrefix(uri, "dir://"):
		return NewLocalBackend(strings.TrimPrefix(uri, "dir://"))

	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, wferrors.Wrap(err, wferrors.CodeConfiguration, "invalid redis ledger uri")
		}
		cfg := DefaultRedisConfig(opts.Addr)
		cfg.Options = opts
		return NewRedisBackend(ctx, cfg)

	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, wferrors.Configuration("s3 ledger uri has no bucket").WithContext("uri", uri)
		}
		if newS3 == nil {
			return nil, wferrors.Configuration("s3 ledger needs an s3 client")
		}
		client, err := newS3(ctx)
		if err != nil {
			return nil, err
		}
		return NewS3Backend(client, bucket, prefix), nil

	default:
		return nil, wferrors.Configuration("unsupported ledger uri (want dir://, redis:// or s3://)").
			WithContext("uri", uri)
	}
}

// Ledger records step transitions on a backend.
type Ledger struct {
	backend Backend
	logger  *zap.Logger
	clock   func() time.Time
}

// NewLedger wraps backend.
func NewLedger(backend Backend, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{backend: backend, logger: logger, clock: time.Now}
}

// Begin records a running step and returns its entry.
func (l *Ledger) Begin(ctx context.Context, nsteps, step int, rng model.JobRange, input, output string) (*Entry, error) {
	now := l.clock()
	e := &Entry{
		ID:        uuid.NewString(),
		Key:       StepKey(nsteps, step),
		Step:      step,
		NSteps:    nsteps,
		Range:     rng,
		Input:     input,
		Output:    output,
		Phase:     PhaseRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := l.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Complete marks e complete.
func (l *Ledger) Complete(ctx context.Context, e *Entry, rows int64, skipped int) error {
	now := l.clock()
	e.Phase = PhaseComplete
	e.RowsWritten = rows
	e.Skipped = skipped
	e.UpdatedAt = now
	e.CompletedAt = &now
	e.Error = ""
	return l.save(ctx, e)
}

// Fail marks e failed with cause.
func (l *Ledger) Fail(ctx context.Context, e *Entry, rows int64, cause error) error {
	e.Phase = PhaseFailed
	e.RowsWritten = rows
	e.UpdatedAt = l.clock()
	if cause != nil {
		e.Error = cause.Error()
	}
	return l.save(ctx, e)
}

func (l *Ledger) save(ctx context.Context, e *Entry) error {
	if err := l.backend.Save(ctx, e); err != nil {
		return wferrors.Wrap(err, wferrors.CodeLedger, "failed to record step").
			WithContext("key", e.Key).
			WithContext("backend", l.backend.Name())
	}
	l.logger.Debug("ledger updated",
		zap.String("key", e.Key),
		zap.String("phase", string(e.Phase)),
		zap.String("backend", l.backend.Name()),
	)
	return nil
}

// Entries lists all entries ordered by step.
func (l *Ledger) Entries(ctx context.Context) ([]*Entry, error) {
	entries, err := l.backend.List(ctx)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.CodeLedger, "failed to list ledger")
	}
	SortEntries(entries)
	return entries, nil
}

// SortEntries orders entries by partition size, then step.
func SortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NSteps != entries[j].NSteps {
			return entries[i].NSteps < entries[j].NSteps
		}
		return entries[i].Step < entries[j].Step
	})
}
