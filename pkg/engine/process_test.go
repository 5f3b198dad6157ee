package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

const fakeEngineEnv = "WEIGHTFLOW_FAKE_ENGINE"

func TestMain(m *testing.M) {
	if os.Getenv(fakeEngineEnv) == "1" {
		os.Exit(fakeEngine())
	}
	goleak.VerifyTestMain(m)
}

// fakeEngine answers every request with two weight pairs. The second pair is
// (sum of particle energies, 0.5). A particle named "crash" makes it exit.
func fakeEngine() int {
	args := os.Args[1:]
	if len(args) < 2 || args[len(args)-2] != "--config" {
		fmt.Fprintln(os.Stderr, "missing --config")
		return 2
	}

	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req wireRequest
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			out.Encode(wireResponse{Error: err.Error()})
			continue
		}
		if len(req.Particles) == 0 {
			out.Encode(wireResponse{Error: "no particles"})
			continue
		}

		var sum float64
		for _, p := range req.Particles {
			if p.Name == "crash" {
				fmt.Fprintln(os.Stderr, "integrator segfault")
				return 3
			}
			sum += p.P4[3]
		}
		if req.MET != nil {
			sum += req.MET[0]
		}
		out.Encode(wireResponse{Weights: []Weight{{Value: -1, Uncertainty: 1}, {Value: sum, Uncertainty: 0.5}}})
	}
	return 0
}

func startFake(t *testing.T) *ProcessEngine {
	t.Helper()
	e, err := StartProcess(context.Background(), ProcessConfig{
		Command:    os.Args[0],
		ConfigPath: DefaultConfigPath,
		Env:        append(os.Environ(), fakeEngineEnv+"=1"),
	}, nil)
	require.NoError(t, err)
	return e
}

func TestProcessEngine_RoundTrip(t *testing.T) {
	e := startFake(t)
	c := NewClient(e, nil)

	for i := 0; i < 3; i++ {
		rec := model.EventRecord{
			Index: int64(i),
			Particles: []model.Particle{
				{Name: model.Lepton1, P4: model.FourMomentum{E: 10}},
				{Name: model.Lepton2, P4: model.FourMomentum{E: float64(i)}},
			},
		}
		res, err := c.Compute(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, 10+float64(i), res.Value)
		assert.Equal(t, 0.5, res.Uncertainty)
	}

	met := model.FourMomentum{Px: 2}
	res, err := c.Compute(context.Background(), model.EventRecord{
		Particles: []model.Particle{{Name: model.Lepton1, P4: model.FourMomentum{E: 1}}},
		MET:       &met,
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Value)

	require.NoError(t, c.Close())
	require.NoError(t, e.Close(), "second close is a no-op")
}

func TestProcessEngine_ReportedError(t *testing.T) {
	e := startFake(t)
	defer e.Close()

	_, err := NewClient(e, nil).Compute(context.Background(), model.EventRecord{Index: 9})
	require.Error(t, err)
	assert.True(t, wferrors.IsCode(err, wferrors.CodeEngine))
	assert.Contains(t, err.Error(), "no particles")

	// A reported error leaves the process usable.
	w, err := e.ComputeWeights(context.Background(), []model.Particle{{Name: model.Lepton1, P4: model.FourMomentum{E: 4}}}, nil)
	require.NoError(t, err)
	require.Len(t, w, 2)
	assert.Equal(t, 4.0, w[1].Value)
}

func TestProcessEngine_Crash(t *testing.T) {
	e := startFake(t)

	_, err := e.ComputeWeights(context.Background(), []model.Particle{{Name: "crash"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine did not answer")

	_, err = e.ComputeWeights(context.Background(), []model.Particle{{Name: model.Lepton1}}, nil)
	assert.Error(t, err, "engine stays failed after a crash")

	assert.NoError(t, e.Close())
}

func TestStartProcess_NotFound(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{Command: "weightflow-no-such-engine"}, nil)
	require.Error(t, err)
	assert.True(t, wferrors.IsCode(err, wferrors.CodeConfiguration))
}
