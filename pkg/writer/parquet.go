package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
	"github.com/weightflow/weightflow/pkg/storage"
)

// ErrFinalized is returned by Append after Finalize.
var ErrFinalized = errors.New("writer: result table already finalized")

// FinalizeResult describes the persisted artifact.
type FinalizeResult struct {
	Path  string
	Rows  int64
	Bytes int64
}

// ResultWriter accumulates one row per processed event and writes them as a
// Parquet table on Finalize. Rows keep their append order.
type ResultWriter struct {
	cfg       Config
	allocator memory.Allocator
	schema    *arrow.Schema

	// Arrow builders for each column
	weightBuilder *array.Float64Builder
	errBuilder    *array.Float64Builder
	timeBuilder   *array.Float64Builder

	mu        sync.Mutex
	batches   []arrow.Record
	pending   int
	rows      int64
	finalized bool
	result    *FinalizeResult
	err       error
}

// resultSchema returns the Arrow schema of the weights table.
func resultSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: ColumnWeight, Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: ColumnWeightErr, Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: ColumnWeightTime, Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	}, nil)
}

// NewResultWriter creates an empty result table.
func NewResultWriter(cfg Config) *ResultWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	allocator := memory.NewGoAllocator()

	w := &ResultWriter{
		cfg:           cfg,
		allocator:     allocator,
		schema:        resultSchema(),
		weightBuilder: array.NewFloat64Builder(allocator),
		errBuilder:    array.NewFloat64Builder(allocator),
		timeBuilder:   array.NewFloat64Builder(allocator),
	}
	w.weightBuilder.Reserve(cfg.BatchSize)
	w.errBuilder.Reserve(cfg.BatchSize)
	w.timeBuilder.Reserve(cfg.BatchSize)
	return w
}

// Append adds one row.
func (w *ResultWriter) Append(row model.OutputRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return ErrFinalized
	}

	w.weightBuilder.Append(row.Weight)
	w.errBuilder.Append(row.WeightErr)
	w.timeBuilder.Append(row.WeightTimeMs)
	w.pending++
	w.rows++

	if w.pending >= w.cfg.BatchSize {
		w.flushBatch()
	}
	return nil
}

// Rows returns the number of rows appended so far.
func (w *ResultWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// flushBatch moves the builder contents into a retained record batch.
func (w *ResultWriter) flushBatch() {
	if w.pending == 0 {
		return
	}

	weights := w.weightBuilder.NewArray()
	errs := w.errBuilder.NewArray()
	times := w.timeBuilder.NewArray()
	defer weights.Release()
	defer errs.Release()
	defer times.Release()

	w.batches = append(w.batches, array.NewRecord(w.schema, []arrow.Array{weights, errs, times}, int64(w.pending)))
	w.pending = 0
}

// Finalize writes the table to path. Local paths are written to a temporary
// sibling and renamed into place; s3:// paths are staged locally and handed
// to the configured Publisher. Later calls return the first outcome.
func (w *ResultWriter) Finalize(ctx context.Context, path string) (*FinalizeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return w.result, w.err
	}
	w.finalized = true
	w.flushBatch()

	w.result, w.err = w.persist(ctx, path)
	w.release()
	return w.result, w.err
}

func (w *ResultWriter) persist(ctx context.Context, path string) (*FinalizeResult, error) {
	loc, err := storage.Parse(path)
	if err != nil {
		return nil, err
	}

	if loc.IsRemote() {
		if w.cfg.Publisher == nil {
			return nil, wferrors.New(wferrors.CodeWriteFailed, "no publisher for remote output").
				WithContext("path", path)
		}
		dir := w.cfg.TempDir
		if dir == "" {
			dir = os.TempDir()
		}
		staged := filepath.Join(dir, "weightflow-"+uuid.NewString()+".parquet")
		defer os.Remove(staged)

		size, err := w.writeFile(ctx, staged)
		if err != nil {
			return nil, err
		}
		if err := w.cfg.Publisher.Publish(ctx, staged, path); err != nil {
			return nil, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to publish weights").
				WithContext("path", path)
		}
		return &FinalizeResult{Path: path, Rows: w.rows, Bytes: size}, nil
	}

	target := loc.Path
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to create output directory").
			WithContext("path", target)
	}

	tmp := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+"."+uuid.NewString()+".tmp")
	size, err := w.writeFile(ctx, tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return nil, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to move weights into place").
			WithContext("path", target)
	}
	return &FinalizeResult{Path: target, Rows: w.rows, Bytes: size}, nil
}

func (w *ResultWriter) writeFile(ctx context.Context, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to create output file").
			WithContext("path", path)
	}
	defer f.Close()

	props := []parquet.WriterProperty{
		parquet.WithCompression(w.cfg.Compression.codec()),
		parquet.WithDictionaryDefault(false),
	}
	if w.cfg.RowGroupSize > 0 {
		props = append(props, parquet.WithMaxRowGroupLength(w.cfg.RowGroupSize))
	}

	pw, err := pqarrow.NewFileWriter(w.schema, f, parquet.NewWriterProperties(props...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return 0, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to create parquet writer")
	}

	for _, batch := range w.batches {
		if err := ctx.Err(); err != nil {
			pw.Close()
			return 0, err
		}
		if err := pw.Write(batch); err != nil {
			pw.Close()
			return 0, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to write record batch")
		}
	}

	if err := pw.Close(); err != nil {
		return 0, wferrors.Wrap(err, wferrors.CodeWriteFailed, "failed to close parquet writer")
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat output: %w", err)
	}
	return info.Size(), nil
}

// release drops the retained batches and builders.
func (w *ResultWriter) release() {
	for _, b := range w.batches {
		b.Release()
	}
	w.batches = nil
	w.weightBuilder.Release()
	w.errBuilder.Release()
	w.timeBuilder.Release()
}
