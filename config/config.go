// Package config loads container tuning from YAML or TOML files with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config package errors
var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidWorkers    = errors.New("executor worker count must be positive")
)

// ContainerConfig tunes the service container runtime.
type ContainerConfig struct {
	// ExecutorWorkers bounds the number of goroutines executing lifecycle
	// tasks. Zero selects the unbounded per-task goroutine executor.
	ExecutorWorkers int `yaml:"executorWorkers" toml:"executorWorkers"`

	// RetrySchedule is a cron expression for the failed-service retry
	// sweeper. Empty disables the sweeper.
	RetrySchedule string `yaml:"retrySchedule" toml:"retrySchedule"`

	// Registries maps registry names to their desired enable state. The
	// config watcher applies changes to this map at runtime.
	Registries map[string]bool `yaml:"registries" toml:"registries"`

	// EmitEvents controls whether lifecycle CloudEvents are published to
	// registered observers.
	EmitEvents bool `yaml:"emitEvents" toml:"emitEvents"`
}

// Default returns the configuration used when no file is provided.
func Default() *ContainerConfig {
	return &ContainerConfig{
		ExecutorWorkers: 0,
		Registries:      map[string]bool{},
		EmitEvents:      true,
	}
}

// Load reads the configuration file at path, chooses the decoder by file
// extension, applies environment overrides, and validates the result.
func Load(path string) (*ContainerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the process environment.
func (c *ContainerConfig) applyEnv() error {
	if v, ok := os.LookupEnv("TXNSVC_EXECUTOR_WORKERS"); ok {
		workers, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("failed to cast TXNSVC_EXECUTOR_WORKERS: %w", err)
		}
		c.ExecutorWorkers = workers
	}
	if v, ok := os.LookupEnv("TXNSVC_RETRY_SCHEDULE"); ok {
		c.RetrySchedule = v
	}
	if v, ok := os.LookupEnv("TXNSVC_EMIT_EVENTS"); ok {
		emit, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("failed to cast TXNSVC_EMIT_EVENTS: %w", err)
		}
		c.EmitEvents = emit
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *ContainerConfig) Validate() error {
	if c.ExecutorWorkers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.ExecutorWorkers)
	}
	return nil
}
