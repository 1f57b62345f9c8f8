// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/plankton/internal/profile"
	"github.com/coral-mesh/plankton/internal/safe"
)

// Destination names accepted by Config.Destination.
const (
	DestinationDiscard = "discard"
	DestinationFile    = "file"
	DestinationOTLP    = "otlp"
	DestinationDuckDB  = "duckdb"
)

// Config is the agent configuration, loaded from a YAML file with
// environment variable overrides layered on top.
type Config struct {
	LogLevel    string `yaml:"log_level" env:"PLANKTON_LOG_LEVEL"`
	ServiceName string `yaml:"service_name" env:"PLANKTON_SERVICE_NAME"`

	// ProfileTypes selects the engines to run. Values are matched
	// case-insensitively against "cpu" and "heap".
	ProfileTypes []string `yaml:"profile_types" env:"PLANKTON_PROFILE_TYPES"`

	CPU  CPUConfig  `yaml:"cpu"`
	Heap HeapConfig `yaml:"heap"`

	// Destination selects where harvests go: discard, file, otlp or duckdb.
	// Empty means discard.
	Destination string `yaml:"destination" env:"PLANKTON_DESTINATION"`

	// OutputDir is where the file destination writes pprof files.
	OutputDir string `yaml:"output_dir" env:"PLANKTON_OUTPUT_DIR"`

	OTLP   OTLPConfig   `yaml:"otlp"`
	DuckDB DuckDBConfig `yaml:"duckdb"`
}

// CPUConfig configures the CPU engine and its harvest cadence.
type CPUConfig struct {
	HarvestInterval        time.Duration `yaml:"harvest_interval" env:"PLANKTON_CPU_HARVEST_INTERVAL"`
	SamplingIntervalMicros int64         `yaml:"sampling_interval_micros" env:"PLANKTON_CPU_SAMPLING_INTERVAL_MICROS"`
}

// HeapConfig configures the heap engine and its harvest cadence.
type HeapConfig struct {
	HarvestInterval       time.Duration `yaml:"harvest_interval" env:"PLANKTON_HEAP_HARVEST_INTERVAL"`
	SamplingIntervalBytes int64         `yaml:"sampling_interval_bytes" env:"PLANKTON_HEAP_SAMPLING_INTERVAL_BYTES"`
	StackDepth            int           `yaml:"stack_depth" env:"PLANKTON_HEAP_STACK_DEPTH"`
}

// OTLPConfig configures the OTLP logs export destination.
type OTLPConfig struct {
	Endpoint string            `yaml:"endpoint" env:"PLANKTON_OTLP_ENDPOINT"`
	Timeout  time.Duration     `yaml:"timeout" env:"PLANKTON_OTLP_TIMEOUT"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// DuckDBConfig configures the local DuckDB record store destination.
type DuckDBConfig struct {
	Path string `yaml:"path" env:"PLANKTON_DUCKDB_PATH"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		ServiceName:  "plankton",
		ProfileTypes: []string{"cpu", "heap"},
		CPU: CPUConfig{
			HarvestInterval:        15 * time.Second,
			SamplingIntervalMicros: 10_000,
		},
		Heap: HeapConfig{
			HarvestInterval:       60 * time.Second,
			SamplingIntervalBytes: 512 * 1024,
			StackDepth:            64,
		},
		Destination: DestinationDiscard,
		OTLP: OTLPConfig{
			Timeout: 10 * time.Second,
		},
		DuckDB: DuckDBConfig{
			Path: "plankton.duckdb",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, and applies environment variable overrides. An empty
// path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safe.ReadFile(path, nil)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env overrides.
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := c.EnabledKinds(); err != nil {
		return err
	}

	switch c.Destination {
	case "", DestinationDiscard:
	case DestinationFile:
		if c.OutputDir == "" {
			return fmt.Errorf("output_dir is required for the file destination")
		}
	case DestinationOTLP:
		if c.OTLP.Endpoint == "" {
			return fmt.Errorf("otlp.endpoint is required for the otlp destination")
		}
	case DestinationDuckDB:
		if c.DuckDB.Path == "" {
			return fmt.Errorf("duckdb.path is required for the duckdb destination")
		}
	default:
		return fmt.Errorf("unknown destination %q", c.Destination)
	}

	if c.CPU.HarvestInterval < 0 || c.Heap.HarvestInterval < 0 {
		return fmt.Errorf("harvest intervals must not be negative")
	}
	return nil
}

// EnabledKinds resolves ProfileTypes into profile kinds, preserving order
// and dropping duplicates.
func (c *Config) EnabledKinds() ([]profile.Kind, error) {
	var kinds []profile.Kind
	seen := make(map[profile.Kind]bool)

	for _, name := range c.ProfileTypes {
		var kind profile.Kind
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "cpu":
			kind = profile.KindCPU
		case "heap":
			kind = profile.KindHeap
		default:
			return nil, fmt.Errorf("unknown profile type %q", name)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}
