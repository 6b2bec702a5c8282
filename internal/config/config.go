package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Queues           QueueConfig  `yaml:"queues"`
	Source           SourceConfig `yaml:"source"`
	Output           OutputConfig `yaml:"output"`
	Trace            TraceConfig  `yaml:"trace"`
}

// QueueConfig contains per-channel fragment queue settings
type QueueConfig struct {
	Depth int `yaml:"depth"` // fragments per channel queue (default: 128)
}

// SourceConfig contains fragment source settings for the sim harness
type SourceConfig struct {
	Kind   string `yaml:"kind"`   // mock (the only built-in source)
	Seed   int64  `yaml:"seed"`   // RNG seed for the mock source (0 = time-based)
	Blocks int    `yaml:"blocks"` // blocks per channel to generate
}

// OutputConfig contains output stream settings
type OutputConfig struct {
	Path    string `yaml:"path"`    // output file ("-" or empty = stdout)
	Stuffed bool   `yaml:"stuffed"` // apply JPEG 0xFF byte stuffing
}

// TraceConfig contains fragment/word trace capture settings
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // zstd-compressed trace file
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for callers
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	// Validation only fills defaults here; the zero config is valid.
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}
