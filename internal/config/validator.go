package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id (optional; harness generates one when empty)
	if cfg.InstanceID != "" && !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	// Validate queue config
	if cfg.Queues.Depth < 0 {
		return fmt.Errorf("queues.depth must be >= 0")
	}
	if cfg.Queues.Depth == 0 {
		cfg.Queues.Depth = 128 // default: two blocks' worth of fragments
	}
	// A queue shallower than one block's worth of fragments can deadlock
	// the interleave (producer blocked mid-block, consumer waiting on a
	// different channel). Refuse rather than limp.
	if cfg.Queues.Depth < 64 {
		return fmt.Errorf("queues.depth must be >= 64 (one block of fragments), got %d", cfg.Queues.Depth)
	}

	// Validate source config
	switch cfg.Source.Kind {
	case "":
		cfg.Source.Kind = "mock" // default
	case "mock":
	default:
		return fmt.Errorf("source.kind: unknown kind '%s' (must be 'mock')", cfg.Source.Kind)
	}
	if cfg.Source.Blocks < 0 {
		return fmt.Errorf("source.blocks must be >= 0")
	}
	if cfg.Source.Blocks == 0 {
		cfg.Source.Blocks = 16 // default
	}

	// Validate trace config
	if cfg.Trace.Enabled && cfg.Trace.Path == "" {
		return fmt.Errorf("trace.path is required when trace.enabled is true")
	}

	return nil
}
