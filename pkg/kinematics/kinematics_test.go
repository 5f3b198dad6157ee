package kinematics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

func TestNormalize_ValidMassUnchanged(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		p := model.FourMomentum{
			Px: rng.NormFloat64() * 50,
			Py: rng.NormFloat64() * 50,
			Pz: rng.NormFloat64() * 200,
		}
		p.E = p.P() + 0.1 + rng.Float64()*100
		require.Greater(t, p.M2(), 0.0)

		got, steps, err := Normalize(p)
		require.NoError(t, err)
		assert.Equal(t, p, got)
		assert.Zero(t, steps)
	}
}

func TestNormalize_Converges(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		p := model.FourMomentum{
			Px: rng.NormFloat64() * 50,
			Py: rng.NormFloat64() * 50,
			Pz: rng.NormFloat64() * 200,
		}
		// Energy at or below the momentum magnitude: M² <= 0.
		p.E = p.P() * rng.Float64()

		got, steps, err := Normalize(p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.M2(), 0.0)
		assert.LessOrEqual(t, steps, MaxNormalizeIterations)
		assert.Equal(t, p.Px, got.Px)
		assert.Equal(t, p.Py, got.Py)
		assert.Equal(t, p.Pz, got.Pz)
	}
}

func TestNormalize_ZeroMassIsRepaired(t *testing.T) {
	// Exactly massless input is not accepted as already valid: the energy is
	// reset to |p|, which for this vector is exact.
	p := model.FourMomentum{Px: 10, Py: 0, Pz: 0, E: 10}
	got, steps, err := Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	assert.Equal(t, 10.0, got.E)
	assert.Equal(t, 0.0, got.M2())
}

func TestNormalize_NegativeEnergy(t *testing.T) {
	p := model.FourMomentum{Px: 3, Py: 4, Pz: 0, E: -1}
	got, _, err := Normalize(p)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, got.E, 1e-3)
	assert.GreaterOrEqual(t, got.M2(), 0.0)
}

func TestNormalize_ZeroMomentum(t *testing.T) {
	got, steps, err := Normalize(model.FourMomentum{})
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	assert.Equal(t, model.FourMomentum{}, got)

	// M² > 0 is accepted as is, whatever the sign of the energy.
	p := model.FourMomentum{E: -2}
	got, _, err = Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestNormalize_Failures(t *testing.T) {
	tests := []struct {
		name string
		p4   model.FourMomentum
	}{
		{"nan", model.FourMomentum{Px: math.NaN(), E: 1}},
		{"inf", model.FourMomentum{Px: 1, E: math.Inf(-1)}},
		{"overflow", model.FourMomentum{Px: 1e200, Py: 1e200, E: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NormalizeNamed("bjet1", tt.p4)
			require.Error(t, err)
			assert.True(t, wferrors.IsCode(err, wferrors.CodeNormalization), "got %v", err)
		})
	}
}

func TestNormalizeAll_StopsOnFailure(t *testing.T) {
	particles := []model.Particle{
		{Name: model.Lepton1, P4: model.FourMomentum{Px: 1, E: 0.5}},
		{Name: model.Lepton2, P4: model.FourMomentum{Px: math.NaN()}},
	}
	_, err := NormalizeAll(particles)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "particle=lepton2")
	assert.GreaterOrEqual(t, particles[0].P4.M2(), 0.0)
}

func TestOrderLeptons(t *testing.T) {
	plus := model.FourMomentum{Px: 10, E: 10}
	minus := model.FourMomentum{Px: -10, E: 10}

	tests := []struct {
		name     string
		pid      int64
		lead     model.FourMomentum
		sub      model.FourMomentum
		wantSwap bool
	}{
		// The leading lepton is positive: already in place.
		{"positive leading", 11, plus, minus, false},
		{"zero pid", 0, plus, minus, false},
		// The leading lepton is negative, so the subleading one is positive.
		{"negative leading", -11, minus, plus, true},
		{"negative muon", -13, minus, plus, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			particles := []model.Particle{
				{Name: model.Lepton1, P4: tt.lead},
				{Name: model.Lepton2, P4: tt.sub},
				{Name: model.BJet1, P4: model.FourMomentum{Pz: 5, E: 6}},
			}
			swapped, err := OrderLeptons(tt.pid, particles)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSwap, swapped)

			want := []model.Particle{
				{Name: model.Lepton1, P4: plus},
				{Name: model.Lepton2, P4: minus},
				{Name: model.BJet1, P4: model.FourMomentum{Pz: 5, E: 6}},
			}
			if diff := cmp.Diff(want, particles); diff != "" {
				t.Errorf("OrderLeptons() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOrderLeptons_MissingRole(t *testing.T) {
	_, err := OrderLeptons(-11, []model.Particle{{Name: model.Lepton1}})
	assert.Error(t, err)
}
