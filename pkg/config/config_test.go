package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(env map[string]string, paths ...string) *Manager {
	m := NewManager()
	m.searchPaths = paths
	m.getenv = func(k string) string { return env[k] }
	return m
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	m := testManager(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, m.Load(""))

	cfg := m.Get()
	assert.Equal(t, "event_selection/hftree", cfg.Run.Chain)
	assert.Equal(t, "llbb", cfg.Run.Variant)
	assert.Equal(t, "drell-yan_example.lua", cfg.Engine.LuaConfig)
	assert.Equal(t, "snappy", cfg.Output.Compression)
	assert.Empty(t, m.GetPaths())
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	user := writeFile(t, dir, "user.yaml", `
run:
  variant: ll
  met: true
engine:
  command: /opt/momemta/bin/engine
output:
  compression: zstd
`)
	project := writeFile(t, dir, "project.yaml", `
output:
  compression: gzip
ledger:
  uri: dir:///var/lib/weightflow
storage:
  timeout: 1m
`)
	explicit := writeFile(t, dir, "explicit.yaml", `
engine:
  luaconfig: ttbar.lua
`)

	m := testManager(map[string]string{
		"WEIGHTFLOW_ENGINE_CMD": "engine-from-env",
		"WEIGHTFLOW_MET":        "false",
	}, user, project)
	require.NoError(t, m.Load(explicit))

	cfg := m.Get()
	assert.Equal(t, "ll", cfg.Run.Variant)
	assert.False(t, cfg.Run.MET, "env overrides files")
	assert.Equal(t, "engine-from-env", cfg.Engine.Command)
	assert.Equal(t, "ttbar.lua", cfg.Engine.LuaConfig)
	assert.Equal(t, "gzip", cfg.Output.Compression)
	assert.Equal(t, "dir:///var/lib/weightflow", cfg.Ledger.URI)
	assert.Equal(t, time.Minute, cfg.Storage.Timeout)

	// Keys not present anywhere keep their default.
	assert.Equal(t, "event_selection/hftree", cfg.Run.Chain)
	assert.Equal(t, []string{user, project, explicit}, m.GetPaths())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	m := testManager(nil)
	assert.Error(t, m.Load(filepath.Join(dir, "missing.yaml")), "explicit config must exist")

	unknown := writeFile(t, dir, "typo.yaml", "engine:\n  comand: x\n")
	m = testManager(nil, unknown)
	assert.Error(t, m.Load(""))

	m = testManager(map[string]string{"WEIGHTFLOW_BATCH_SIZE": "lots"})
	assert.Error(t, m.Load(""))
}

func TestLoad_EmptyFile(t *testing.T) {
	empty := writeFile(t, t.TempDir(), "empty.yaml", "")
	m := testManager(nil, empty)
	require.NoError(t, m.Load(""))
	assert.Equal(t, Default(), m.Get())
}

func TestSave_RoundTrip(t *testing.T) {
	m := testManager(map[string]string{"WEIGHTFLOW_VARIANT": "ll"})
	require.NoError(t, m.Load(""))

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, m.Save(path))

	other := testManager(nil)
	require.NoError(t, other.Load(path))
	assert.Equal(t, m.Get(), other.Get())
}
