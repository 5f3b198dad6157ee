package eventstore_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightflow/weightflow/internal/model"
	"github.com/weightflow/weightflow/pkg/eventstore"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
	"github.com/weightflow/weightflow/pkg/testing/generators"
)

func indexedRows(n int) []generators.EventRow {
	rows := make([]generators.EventRow, n)
	for i := range rows {
		f := float64(i)
		rows[i] = generators.EventRow{
			PID: 11,
			Particles: map[string]model.FourMomentum{
				model.Lepton1: {Px: f, Py: 1, Pz: 2, E: 100 + f},
				model.Lepton2: {Px: -f, Py: 1, Pz: 2, E: 100 + f},
				model.BJet1:   {Px: 3, Py: f, Pz: 2, E: 50},
				model.BJet2:   {Px: 3, Py: -f, Pz: 2, E: 50},
			},
		}
	}
	return rows
}

func readAll(t *testing.T, r *eventstore.Reader) []model.EventRecord {
	t.Helper()
	var out []model.EventRecord
	for {
		ev, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestOpen_ReadsAllEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	require.NoError(t, generators.WriteTable(path, generators.TableSpec{}, indexedRows(5)))

	r, err := eventstore.Open(context.Background(), path, eventstore.Options{})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(5), r.TotalEvents())
	events := readAll(t, r)
	require.Len(t, events, 5)

	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Index)
		assert.Equal(t, int64(11), ev.LeadingPID)
		require.Len(t, ev.Particles, 4)
		assert.Equal(t, model.Lepton1, ev.Particles[0].Name)
		assert.Equal(t, float64(i), ev.Particles[0].P4.Px)
		assert.Equal(t, model.BJet2, ev.Particles[3].Name)
		assert.Nil(t, ev.MET)
	}
}

func TestRestrict_AcrossRowGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	spec := generators.TableSpec{RowGroupLength: 4}
	require.NoError(t, generators.WriteTable(path, spec, indexedRows(19)))

	tests := []model.JobRange{
		{Start: 0, End: 19},
		{Start: 5, End: 11},
		{Start: 3, End: 4},
		{Start: 16, End: 19},
		{Start: 7, End: 7},
	}

	for _, rng := range tests {
		r, err := eventstore.Open(context.Background(), path, eventstore.Options{BatchSize: 3})
		require.NoError(t, err)
		require.NoError(t, r.Restrict(rng))

		events := readAll(t, r)
		require.Len(t, events, int(rng.Len()), "range %+v", rng)
		for i, ev := range events {
			want := rng.Start + int64(i)
			assert.Equal(t, want, ev.Index)
			assert.Equal(t, float64(want), ev.Particles[0].P4.Px)
		}
		require.NoError(t, r.Close())
	}
}

func TestRestrict_OutOfBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	require.NoError(t, generators.WriteTable(path, generators.TableSpec{}, indexedRows(3)))

	r, err := eventstore.Open(context.Background(), path, eventstore.Options{})
	require.NoError(t, err)
	defer r.Close()

	err = r.Restrict(model.JobRange{Start: 0, End: 4})
	assert.True(t, wferrors.IsCode(err, wferrors.CodeConfiguration))
}

func TestOpen_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	spec := generators.TableSpec{Variant: eventstore.Dilepton, Omit: []string{"lep2_E"}}
	require.NoError(t, generators.WriteTable(path, spec, indexedRows(2)))

	_, err := eventstore.Open(context.Background(), path, eventstore.Options{Variant: eventstore.Dilepton})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wferrors.ErrMissingField))
	assert.Contains(t, err.Error(), "lep2_E")
}

func TestOpen_VariantDecidesRequiredColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ll.parquet")
	require.NoError(t, generators.WriteTable(path, generators.TableSpec{Variant: eventstore.Dilepton}, indexedRows(2)))

	r, err := eventstore.Open(context.Background(), path, eventstore.Options{Variant: eventstore.Dilepton})
	require.NoError(t, err)
	events := readAll(t, r)
	require.NoError(t, r.Close())
	require.Len(t, events, 2)
	assert.Len(t, events[0].Particles, 2)

	_, err = eventstore.Open(context.Background(), path, eventstore.Options{Variant: eventstore.DileptonBJets})
	assert.True(t, errors.Is(err, wferrors.ErrMissingField))
}

func TestNext_NullValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	rows := indexedRows(4)
	rows[2].Nulls = []string{"bjet2_E"}
	require.NoError(t, generators.WriteTable(path, generators.TableSpec{}, rows))

	r, err := eventstore.Open(context.Background(), path, eventstore.Options{})
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 2; i++ {
		_, err := r.Next(context.Background())
		require.NoError(t, err)
	}
	_, err = r.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, wferrors.ErrMissingField))
	assert.Contains(t, err.Error(), "field=bjet2_E")
	assert.Contains(t, err.Error(), "row=2")
}

func TestNext_MET(t *testing.T) {
	variant := eventstore.Dilepton.WithMET(true)
	path := filepath.Join(t.TempDir(), "met.parquet")
	rows := indexedRows(1)
	rows[0].MET = &model.FourMomentum{Px: 12, Py: -5}
	require.NoError(t, generators.WriteTable(path, generators.TableSpec{Variant: variant}, rows))

	r, err := eventstore.Open(context.Background(), path, eventstore.Options{Variant: variant})
	require.NoError(t, err)
	defer r.Close()

	ev, err := r.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev.MET)
	assert.Equal(t, model.FourMomentum{Px: 12, Py: -5}, *ev.MET)
}

func TestResolvePath_Directory(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "event_selection", "hftree.parquet")
	require.NoError(t, generators.WriteTable(table, generators.TableSpec{}, indexedRows(1)))

	got, err := eventstore.ResolvePath(dir, eventstore.DefaultTable)
	require.NoError(t, err)
	assert.Equal(t, table, got)

	_, err = eventstore.ResolvePath(dir, "other/tree")
	assert.True(t, wferrors.IsCode(err, wferrors.CodeFileNotFound))

	_, err = eventstore.ResolvePath(filepath.Join(dir, "nope.parquet"), "")
	assert.True(t, wferrors.IsCode(err, wferrors.CodeFileNotFound))
}

func TestParseVariant(t *testing.T) {
	v, err := eventstore.ParseVariant("ll")
	require.NoError(t, err)
	assert.Equal(t, []string{model.Lepton1, model.Lepton2}, v.ParticleNames())

	v, err = eventstore.ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, "llbb", v.Name)
	assert.Len(t, v.RequiredColumns(), 17)

	_, err = eventstore.ParseVariant("4l")
	assert.Error(t, err)
}
