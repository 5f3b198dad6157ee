package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

type stubEngine struct {
	weights []Weight
	err     error
	calls   int
	got     []model.Particle
}

func (s *stubEngine) ComputeWeights(ctx context.Context, particles []model.Particle, met *model.FourMomentum) ([]Weight, error) {
	s.calls++
	s.got = particles
	return s.weights, s.err
}

func fakeClock(step time.Duration) func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func TestClient_LastWeightIsCanonical(t *testing.T) {
	stub := &stubEngine{weights: []Weight{{Value: 1, Uncertainty: 0.1}, {Value: 3.5, Uncertainty: 0.25}}}
	c := NewClient(stub, nil)
	c.clock = fakeClock(12 * time.Millisecond)

	rec := model.EventRecord{
		Index:     7,
		Particles: []model.Particle{{Name: model.Lepton1}, {Name: model.Lepton2}},
	}
	res, err := c.Compute(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 3.5, res.Value)
	assert.Equal(t, 0.25, res.Uncertainty)
	assert.Equal(t, 12*time.Millisecond, res.Elapsed)
	assert.Equal(t, int64(12), res.ElapsedMilliseconds())
	assert.Equal(t, rec.Particles, stub.got)
}

func TestClient_EngineErrorIsWrapped(t *testing.T) {
	cause := errors.New("integration diverged")
	stub := &stubEngine{err: cause}
	c := NewClient(stub, nil)

	_, err := c.Compute(context.Background(), model.EventRecord{Index: 42})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wferrors.ErrEngine))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "event=42")
	assert.Equal(t, 1, stub.calls, "engine errors are not retried")
}

func TestClient_EmptyResult(t *testing.T) {
	c := NewClient(&stubEngine{}, nil)
	_, err := c.Compute(context.Background(), model.EventRecord{Index: 3})
	assert.True(t, wferrors.IsCode(err, wferrors.CodeEngine))
}

func TestDryRunEngine(t *testing.T) {
	c := NewClient(NewDryRunEngine(), nil)
	res, err := c.Compute(context.Background(), model.EventRecord{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Value)
	assert.Equal(t, 0.0, res.Uncertainty)
	assert.NoError(t, c.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Compute(ctx, model.EventRecord{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindProcess, false},
		{"process", KindProcess, false},
		{"dry-run", KindDryRun, false},
		{"DRYRUN", KindDryRun, false},
		{"grpc", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
