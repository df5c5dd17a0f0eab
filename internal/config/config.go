// Package config loads and validates the lifecycle core configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// TicksPerSecond is the worker scheduling granularity used to convert the
// recovery deadline from seconds into ticks.
const TicksPerSecond = 100

// MaxDeadlineTicks is the largest per-host deadline value; larger
// configured deadlines are clamped to it.
const MaxDeadlineTicks = math.MaxInt32

// Config is the complete lifecycle core configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RecoveryConfig holds the global recovery-deadline override applied to
// every host constructed while it is in effect.
type RecoveryConfig struct {
	// DeadlineSeconds bounds a single recovery pass. Negative disables the
	// deadline, which is the default.
	DeadlineSeconds int `yaml:"deadline_seconds"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "iohost",
		},
		Recovery: RecoveryConfig{
			DeadlineSeconds: -1,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IOHOST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IOHOST_RECOVERY_DEADLINE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recovery.DeadlineSeconds = n
		}
	}
}

// Validate checks the configuration for values no component can accept.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// DeadlineTicks converts the configured recovery deadline into scheduler
// ticks. The second result reports whether the value was clamped to
// MaxDeadlineTicks; callers log a warning when it is. A disabled deadline
// yields -1.
func (r RecoveryConfig) DeadlineTicks() (int64, bool) {
	if r.DeadlineSeconds < 0 {
		return -1, false
	}
	ticks := int64(r.DeadlineSeconds) * TicksPerSecond
	if ticks > MaxDeadlineTicks {
		return MaxDeadlineTicks, true
	}
	return ticks, false
}
