// Package eventstore reads per-event particle kinematics from a Parquet event
// table. The table schema is checked against the analysis variant once, when
// the table is opened; a value missing from a single row is reported when
// that row is reached.
package eventstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

// DefaultTable is the event table produced by the preprocessing step.
const DefaultTable = "event_selection/hftree"

// DefaultBatchSize is the number of rows decoded per Arrow record.
const DefaultBatchSize = 4096

// Options configures Open.
type Options struct {
	// Table is the logical table name. When the input path is a directory
	// the table is read from <path>/<Table>.parquet.
	Table string

	// Variant selects the required columns.
	Variant Variant

	// BatchSize is the number of rows decoded at a time.
	BatchSize int64

	// Allocator for Arrow buffers (memory.DefaultAllocator when nil).
	Allocator memory.Allocator
}

// Reader is a forward-only cursor over the events of one table.
type Reader struct {
	path    string
	table   string
	variant Variant

	pf     *file.Reader
	fr     *pqarrow.FileReader
	leaves []int
	total  int64
	rng    model.JobRange

	rr        pqarrow.RecordReader
	rec       arrow.Record
	cols      map[string]arrow.Array
	recStart  int64
	nextStart int64
	pos       int64
	done      bool
}

// ResolvePath returns the Parquet file that holds table under path.
func ResolvePath(path, table string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", wferrors.FileNotFound(path)
		}
		return "", fmt.Errorf("failed to stat input %q: %w", path, err)
	}
	if !info.IsDir() {
		return path, nil
	}

	if table == "" {
		table = DefaultTable
	}
	resolved := filepath.Join(path, filepath.FromSlash(table)+".parquet")
	if _, err := os.Stat(resolved); err != nil {
		return "", wferrors.FileNotFound(resolved).WithContext("table", table)
	}
	return resolved, nil
}

// Open opens the event table and validates its schema against the variant.
func Open(ctx context.Context, path string, opts Options) (*Reader, error) {
	if opts.Variant.Name == "" {
		opts.Variant = DefaultVariant
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}

	resolved, err := ResolvePath(path, opts.Table)
	if err != nil {
		return nil, err
	}

	pf, err := file.OpenParquetFile(resolved, false)
	if err != nil {
		return nil, wferrors.Wrapf(err, wferrors.CodeInvalidFormat, "failed to open parquet table %q", resolved)
	}

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{
		BatchSize: opts.BatchSize,
	}, opts.Allocator)
	if err != nil {
		pf.Close()
		return nil, wferrors.Wrap(err, wferrors.CodeInvalidFormat, "failed to create arrow reader")
	}

	r := &Reader{
		path:    resolved,
		table:   opts.Table,
		variant: opts.Variant,
		pf:      pf,
		fr:      fr,
		total:   pf.NumRows(),
	}
	r.rng = model.JobRange{Start: 0, End: r.total}

	if err := r.bindSchema(); err != nil {
		pf.Close()
		return nil, err
	}
	return r, nil
}

// bindSchema checks every required column once and records its leaf index.
func (r *Reader) bindSchema() error {
	schema, err := r.fr.Schema()
	if err != nil {
		return wferrors.Wrap(err, wferrors.CodeInvalidFormat, "failed to read table schema")
	}

	pqSchema := r.pf.MetaData().Schema
	for _, col := range r.variant.RequiredColumns() {
		idx := schema.FieldIndices(col)
		if len(idx) == 0 {
			return wferrors.MissingField(col, -1).WithContext("table", r.path)
		}
		if !isNumeric(schema.Field(idx[0]).Type) {
			return wferrors.New(wferrors.CodeInvalidFormat, "column is not numeric").
				WithContext("column", col).
				WithContext("type", schema.Field(idx[0]).Type.String())
		}

		leaf := pqSchema.ColumnIndexByName(col)
		if leaf < 0 {
			return wferrors.MissingField(col, -1).WithContext("table", r.path)
		}
		r.leaves = append(r.leaves, leaf)
	}
	return nil
}

func isNumeric(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.FLOAT32, arrow.FLOAT64, arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return true
	default:
		return false
	}
}

// Path returns the resolved table file.
func (r *Reader) Path() string { return r.path }

// Variant returns the analysis variant the reader was opened with.
func (r *Reader) Variant() Variant { return r.variant }

// TotalEvents returns the number of rows in the table.
func (r *Reader) TotalEvents() int64 { return r.total }

// Range returns the active iteration range.
func (r *Reader) Range() model.JobRange { return r.rng }

// Restrict limits iteration to rng. It must be called before the first Next.
func (r *Reader) Restrict(rng model.JobRange) error {
	if rng.Start < 0 || rng.Start > rng.End || rng.End > r.total {
		return wferrors.Configuration("event range outside the table").
			WithContext("start", rng.Start).
			WithContext("end", rng.End).
			WithContext("events", r.total)
	}
	if r.rr != nil {
		return fmt.Errorf("eventstore: Restrict called after iteration started")
	}
	r.rng = rng
	return nil
}

// start opens a record reader over the row groups that overlap the range.
func (r *Reader) start(ctx context.Context) error {
	var groups []int
	first := int64(-1)
	var offset int64
	for i := 0; i < r.pf.NumRowGroups(); i++ {
		n := r.pf.RowGroup(i).NumRows()
		if offset < r.rng.End && offset+n > r.rng.Start {
			if first < 0 {
				first = offset
			}
			groups = append(groups, i)
		}
		offset += n
	}
	if len(groups) == 0 {
		r.done = true
		return nil
	}

	rr, err := r.fr.GetRecordReader(ctx, r.leaves, groups)
	if err != nil {
		return wferrors.Wrap(err, wferrors.CodeInvalidFormat, "failed to start record reader")
	}
	r.rr = rr
	r.nextStart = first
	return nil
}

// Next returns the next event of the range, or io.EOF after the last one.
func (r *Reader) Next(ctx context.Context) (model.EventRecord, error) {
	if r.rr == nil && !r.done {
		if err := r.start(ctx); err != nil {
			return model.EventRecord{}, err
		}
	}

	for !r.done {
		if r.rec == nil || r.pos >= r.rec.NumRows() {
			if !r.advance() {
				break
			}
			continue
		}

		index := r.recStart + r.pos
		if index < r.rng.Start {
			r.pos += min(r.rng.Start-index, r.rec.NumRows()-r.pos)
			continue
		}
		if index >= r.rng.End {
			r.done = true
			break
		}

		ev, err := r.extract(int(r.pos), index)
		r.pos++
		return ev, err
	}

	if r.rr != nil {
		if err := r.rr.Err(); err != nil && err != io.EOF {
			return model.EventRecord{}, wferrors.Wrap(err, wferrors.CodeInvalidFormat, "failed to decode event batch")
		}
	}
	return model.EventRecord{}, io.EOF
}

// advance loads the next record batch. The batch stays owned by the record
// reader and is valid until the following call.
func (r *Reader) advance() bool {
	if !r.rr.Next() {
		r.done = true
		r.rec = nil
		return false
	}
	r.rec = r.rr.Record()
	r.recStart = r.nextStart
	r.nextStart += r.rec.NumRows()
	r.pos = 0

	schema := r.rec.Schema()
	r.cols = make(map[string]arrow.Array, len(schema.Fields()))
	for i, f := range schema.Fields() {
		r.cols[f.Name] = r.rec.Column(i)
	}
	return true
}

func (r *Reader) extract(row int, index int64) (model.EventRecord, error) {
	ev := model.EventRecord{
		Index:     index,
		Particles: make([]model.Particle, 0, len(r.variant.Particles)),
	}

	pid, err := r.value(PIDColumn, row, index)
	if err != nil {
		return ev, err
	}
	ev.LeadingPID = int64(pid)

	for _, spec := range r.variant.Particles {
		p4, err := r.momentum(spec.Columns(), row, index)
		if err != nil {
			return ev, err
		}
		ev.Particles = append(ev.Particles, model.Particle{Name: spec.Name, P4: p4})
	}

	if r.variant.MET {
		met, err := r.momentum(momentumColumns(METPrefix), row, index)
		if err != nil {
			return ev, err
		}
		ev.MET = &met
	}
	return ev, nil
}

func (r *Reader) momentum(cols [4]string, row int, index int64) (model.FourMomentum, error) {
	var c [4]float64
	for i, name := range cols {
		v, err := r.value(name, row, index)
		if err != nil {
			return model.FourMomentum{}, err
		}
		c[i] = v
	}
	return model.FourMomentum{Px: c[0], Py: c[1], Pz: c[2], E: c[3]}, nil
}

func (r *Reader) value(col string, row int, index int64) (float64, error) {
	arr, ok := r.cols[col]
	if !ok || arr.IsNull(row) {
		return 0, wferrors.MissingField(col, index)
	}

	switch a := arr.(type) {
	case *array.Float32:
		return float64(a.Value(row)), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.Int8:
		return float64(a.Value(row)), nil
	case *array.Int16:
		return float64(a.Value(row)), nil
	case *array.Int32:
		return float64(a.Value(row)), nil
	case *array.Int64:
		return float64(a.Value(row)), nil
	default:
		return 0, wferrors.New(wferrors.CodeInvalidFormat, "unsupported column type").
			WithContext("column", col).
			WithContext("type", arr.DataType().String())
	}
}

// Close releases the record reader and the underlying file.
func (r *Reader) Close() error {
	if r.rr != nil {
		r.rr.Release()
		r.rr = nil
	}
	r.rec = nil
	return r.pf.Close()
}
