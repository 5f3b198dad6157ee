// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < env < flags
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all weightflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Run       RunConfig       `yaml:"run"`
	Engine    EngineConfig    `yaml:"engine"`
	Output    OutputConfig    `yaml:"output"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RunConfig controls what a run reads.
type RunConfig struct {
	Chain   string `yaml:"chain"`   // table name within the event store
	Variant string `yaml:"variant"` // ll | llbb
	MET     bool   `yaml:"met"`

	OnNormalizeFailure string `yaml:"on_normalize_failure"` // strict | skip
	MaxSkips           int64  `yaml:"max_skips"`
	ReadBatchSize      int64  `yaml:"read_batch_size"`
}

// EngineConfig selects and launches the weight engine.
type EngineConfig struct {
	Kind      string   `yaml:"kind"` // process | dry-run
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args,omitempty"`
	LuaConfig string   `yaml:"luaconfig"`
}

// OutputConfig controls the weights table.
type OutputConfig struct {
	Compression  string `yaml:"compression"` // snappy | zstd | gzip | lz4 | none
	BatchSize    int    `yaml:"batch_size"`
	RowGroupSize int64  `yaml:"row_group_size"` // rows
	TempDir      string `yaml:"temp_dir"`
}

// StorageConfig configures s3:// inputs and outputs.
type StorageConfig struct {
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"`
	UsePathStyle bool          `yaml:"use_path_style"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LedgerConfig configures the step ledger.
type LedgerConfig struct {
	URI string `yaml:"uri"` // dir://path | redis://addr | s3://bucket/prefix
}

// TelemetryConfig for traces and metrics.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
	MetricsFile  string  `yaml:"metrics_file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Run: RunConfig{
			Chain:              "event_selection/hftree",
			Variant:            "llbb",
			OnNormalizeFailure: "strict",
			ReadBatchSize:      4096,
		},
		Engine: EngineConfig{
			Kind:      "process",
			Command:   "momemta-engine",
			LuaConfig: "drell-yan_example.lua",
		},
		Output: OutputConfig{
			Compression:  "snappy",
			BatchSize:    8192,
			RowGroupSize: 1 << 20,
			TempDir:      filepath.Join(os.TempDir(), "weightflow"),
		},
		Storage: StorageConfig{
			Region:  "us-east-1",
			Timeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded

	searchPaths []string
	getenv      func(string) string
}

// NewManager creates a new configuration manager that searches the system,
// user and project locations.
func NewManager() *Manager {
	return &Manager{
		config:      Default(),
		searchPaths: defaultPaths(),
		getenv:      os.Getenv,
	}
}

// defaultPaths returns config file paths in priority order.
func defaultPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/weightflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".weightflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".weightflow.yaml"))
	}

	return paths
}

// Load loads configuration from all sources in priority order. explicit is
// the --config file; unlike the searched locations it must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()
	m.paths = nil

	for _, path := range m.searchPaths {
		if err := m.loadFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		m.paths = append(m.paths, path)
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	return m.loadEnv()
}

// loadFile decodes a config file over the current values. Keys absent from
// the file keep their earlier value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m.config); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// loadEnv loads configuration from WEIGHTFLOW_* environment variables.
func (m *Manager) loadEnv() error {
	str := map[string]*string{
		"WEIGHTFLOW_CHAIN":                &m.config.Run.Chain,
		"WEIGHTFLOW_VARIANT":              &m.config.Run.Variant,
		"WEIGHTFLOW_ON_NORMALIZE_FAILURE": &m.config.Run.OnNormalizeFailure,
		"WEIGHTFLOW_ENGINE":               &m.config.Engine.Kind,
		"WEIGHTFLOW_ENGINE_CMD":           &m.config.Engine.Command,
		"WEIGHTFLOW_LUACONFIG":            &m.config.Engine.LuaConfig,
		"WEIGHTFLOW_COMPRESSION":          &m.config.Output.Compression,
		"WEIGHTFLOW_TEMP_DIR":             &m.config.Output.TempDir,
		"WEIGHTFLOW_S3_REGION":            &m.config.Storage.Region,
		"WEIGHTFLOW_S3_ENDPOINT":          &m.config.Storage.Endpoint,
		"WEIGHTFLOW_LEDGER":               &m.config.Ledger.URI,
		"WEIGHTFLOW_OTLP_ENDPOINT":        &m.config.Telemetry.OTLPEndpoint,
		"WEIGHTFLOW_METRICS_FILE":         &m.config.Telemetry.MetricsFile,
	}
	for key, dst := range str {
		if v := m.getenv(key); v != "" {
			*dst = v
		}
	}

	if v := m.getenv("WEIGHTFLOW_MET"); v != "" {
		met, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid WEIGHTFLOW_MET %q: %w", v, err)
		}
		m.config.Run.MET = met
	}
	if v := m.getenv("WEIGHTFLOW_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEIGHTFLOW_BATCH_SIZE %q: %w", v, err)
		}
		m.config.Output.BatchSize = n
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Marshal renders the current configuration as YAML.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return yaml.Marshal(m.config)
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
