// Package generators writes synthetic event tables for tests and smoke runs.
package generators

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/weightflow/weightflow/internal/model"
	"github.com/weightflow/weightflow/pkg/eventstore"
)

// EventRow is one event to write. Particles are matched to the variant by name.
type EventRow struct {
	PID       int32
	Particles map[string]model.FourMomentum
	MET       *model.FourMomentum

	// Nulls lists columns written as null for this row.
	Nulls []string
}

// TableSpec controls the layout of a generated table.
type TableSpec struct {
	Variant eventstore.Variant

	// Omit drops columns from the schema entirely.
	Omit []string

	// RowGroupLength caps rows per Parquet row group (0 = single group).
	RowGroupLength int64
}

// WriteTable writes rows to a Parquet event table at path.
func WriteTable(path string, spec TableSpec, rows []EventRow) error {
	if spec.Variant.Name == "" {
		spec.Variant = eventstore.DefaultVariant
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	omit := make(map[string]bool, len(spec.Omit))
	for _, c := range spec.Omit {
		omit[c] = true
	}

	var fields []arrow.Field
	for _, col := range spec.Variant.RequiredColumns() {
		if omit[col] {
			continue
		}
		typ := arrow.DataType(arrow.PrimitiveTypes.Float32)
		if col == eventstore.PIDColumn {
			typ = arrow.PrimitiveTypes.Int32
		}
		fields = append(fields, arrow.Field{Name: col, Type: typ, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	alloc := memory.NewGoAllocator()
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	for _, row := range rows {
		values := rowValues(spec.Variant, row)
		nulls := make(map[string]bool, len(row.Nulls))
		for _, c := range row.Nulls {
			nulls[c] = true
		}

		for i, f := range schema.Fields() {
			switch fb := b.Field(i).(type) {
			case *array.Int32Builder:
				if nulls[f.Name] {
					fb.AppendNull()
				} else {
					fb.Append(row.PID)
				}
			case *array.Float32Builder:
				if nulls[f.Name] {
					fb.AppendNull()
				} else {
					fb.Append(float32(values[f.Name]))
				}
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	props := []parquet.WriterProperty{parquet.WithCompression(compress.Codecs.Snappy)}
	if spec.RowGroupLength > 0 {
		props = append(props, parquet.WithMaxRowGroupLength(spec.RowGroupLength))
	}

	w, err := pqarrow.NewFileWriter(schema, out, parquet.NewWriterProperties(props...), pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write events: %w", err)
	}
	return w.Close()
}

func rowValues(v eventstore.Variant, row EventRow) map[string]float64 {
	values := make(map[string]float64)
	for _, spec := range v.Particles {
		p4 := row.Particles[spec.Name]
		cols := spec.Columns()
		values[cols[0]] = p4.Px
		values[cols[1]] = p4.Py
		values[cols[2]] = p4.Pz
		values[cols[3]] = p4.E
	}
	if row.MET != nil {
		values[eventstore.METPrefix+"_Px"] = row.MET.Px
		values[eventstore.METPrefix+"_Py"] = row.MET.Py
		values[eventstore.METPrefix+"_Pz"] = row.MET.Pz
		values[eventstore.METPrefix+"_E"] = row.MET.E
	}
	return values
}

// EventGenerator produces random, roughly physical events.
type EventGenerator struct {
	rng *rand.Rand

	// OffShellRate is the probability that a particle is written with an
	// energy slightly below its momentum, as float rounding produces.
	OffShellRate float64
}

// NewEventGenerator creates a generator with a fixed seed.
func NewEventGenerator(seed int64) *EventGenerator {
	return &EventGenerator{
		rng:          rand.New(rand.NewSource(seed)),
		OffShellRate: 0.05,
	}
}

// Rows generates n events for the variant.
func (g *EventGenerator) Rows(v eventstore.Variant, n int) []EventRow {
	rows := make([]EventRow, n)
	for i := range rows {
		pid := int32(11)
		if g.rng.Intn(2) == 0 {
			pid = -pid
		}
		if g.rng.Intn(2) == 0 {
			pid = pid / 11 * 13
		}

		particles := make(map[string]model.FourMomentum, len(v.Particles))
		for _, spec := range v.Particles {
			mass := 0.0
			if spec.Name == model.BJet1 || spec.Name == model.BJet2 {
				mass = 4.7
			}
			particles[spec.Name] = g.momentum(mass)
		}

		row := EventRow{PID: pid, Particles: particles}
		if v.MET {
			met := model.FourMomentum{Px: g.rng.NormFloat64() * 30, Py: g.rng.NormFloat64() * 30}
			row.MET = &met
		}
		rows[i] = row
	}
	return rows
}

func (g *EventGenerator) momentum(mass float64) model.FourMomentum {
	pt := 20 + g.rng.ExpFloat64()*30
	phi := g.rng.Float64() * 2 * math.Pi
	eta := g.rng.NormFloat64() * 1.5

	p := model.FourMomentum{
		Px: pt * math.Cos(phi),
		Py: pt * math.Sin(phi),
		Pz: pt * math.Sinh(eta),
	}
	p.E = math.Sqrt(p.P()*p.P() + mass*mass)
	if g.rng.Float64() < g.OffShellRate {
		p.E = p.P() * (1 - 1e-6)
	}
	return p
}
