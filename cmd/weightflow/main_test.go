package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// fixture writes a 40-event store and returns its directory.
func fixture(t *testing.T) string {
	t.Helper()
	t.Setenv("WEIGHTFLOW_TEMP_DIR", t.TempDir())

	store := filepath.Join(t.TempDir(), "store")
	table := filepath.Join(store, "event_selection", "hftree.parquet")
	res := run(t, "generate", "--output", table, "--events", "40", "--seed", "3", "--row-group", "16")
	require.Equal(t, 0, res.code, res.stderr)
	return store
}

func TestExecute_MissingRequiredFlags(t *testing.T) {
	res := run(t, "--output", filepath.Join(t.TempDir(), "w.parquet"))
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "input")

	res = run(t, "--input", "events.parquet")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "output")
}

func TestExecute_StepEqualsNSteps(t *testing.T) {
	store := fixture(t)
	out := filepath.Join(t.TempDir(), "w.parquet")

	res := run(t, "--input", store, "--output", out, "--engine", "dry-run", "--nsteps", "4", "--step", "4")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "E107")

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_InvalidFlagValues(t *testing.T) {
	store := fixture(t)
	out := filepath.Join(t.TempDir(), "w.parquet")

	for _, args := range [][]string{
		{"--variant", "tttt"},
		{"--engine", "grpc"},
		{"--on-normalize-failure", "ignore"},
		{"--compression", "brotli"},
	} {
		full := append([]string{"--input", store, "--output", out}, args...)
		res := run(t, full...)
		assert.Equal(t, 1, res.code, "args %v", args)
		assert.Contains(t, res.stderr, "E100", "args %v", args)
	}
}

func TestExecute_StepsThenVerify(t *testing.T) {
	store := fixture(t)
	weights := t.TempDir()
	ledger := "dir://" + filepath.Join(t.TempDir(), "ledger")
	metrics := filepath.Join(t.TempDir(), "weightflow.prom")

	step0 := filepath.Join(weights, "step-0.parquet")
	res := run(t, "--input", store, "--output", step0, "--engine", "dry-run",
		"--nsteps", "2", "--step", "0", "--ledger", ledger, "--metrics-file", metrics)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "calculated weights for 20 events (50% of 40 events)")
	assert.Contains(t, res.stderr, "WEIGHTS COMPUTED")

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "weightflow_rows_written_total")

	// Only half of the events are covered so far.
	res = run(t, "verify", "--events", store, "--weights", filepath.Join(weights, "step-*.parquet"))
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "mismatch")

	res = run(t, "--input", store, "--output", filepath.Join(weights, "step-1.parquet"), "--engine", "dry-run",
		"--nsteps", "2", "--step", "1", "--ledger", ledger)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "calculated weights for 40 events (100% of 40 events)")

	res = run(t, "verify", "--events", store, "--weights", filepath.Join(weights, "step-*.parquet"))
	assert.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "row counts match")

	res = run(t, "status", "--ledger", ledger)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "step-0000-of-0002")
	assert.Contains(t, res.stdout, "step-0001-of-0002")
	assert.Contains(t, res.stdout, "complete")

	res = run(t, "summary", "--weights", step0)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "WEIGHTS SUMMARY")
}

func TestExecute_Plan(t *testing.T) {
	res := run(t, "plan", "--events", "10", "--nsteps", "3")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "[0, 3)")
	assert.Contains(t, res.stdout, "[6, 10)")

	store := fixture(t)
	res = run(t, "plan", "--input", store, "--nsteps", "4")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "40 events, 4 steps")
	assert.Contains(t, res.stdout, "[30, 40)")
}

func TestExecute_Config(t *testing.T) {
	t.Setenv("WEIGHTFLOW_LUACONFIG", "ttbar.lua")
	res := run(t, "config")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "luaconfig: ttbar.lua")
}
