// Package model defines tandem's configuration and the records persisted
// under a run directory.
package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Lock      LockConfig      `yaml:"lock"`
	Checks    ChecksConfig    `yaml:"checks"`
	Review    ReviewConfig    `yaml:"review"`
	Implement ImplementConfig `yaml:"implement"`
	Loop      LoopConfig      `yaml:"loop"`
	Providers ProvidersConfig `yaml:"providers"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type LockConfig struct {
	StaleTimeoutSec      int `yaml:"stale_timeout_sec"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	WaitTimeoutSec       int `yaml:"wait_timeout_sec"`
}

type ChecksConfig struct {
	TimeoutSec int             `yaml:"timeout_sec"`
	Categories []CategoryConfig `yaml:"categories"`
}

// CategoryConfig is one named validation command. Command is split into an
// argument vector; it is never passed to a shell.
type CategoryConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

type ReviewConfig struct {
	FailOnBlockersOnly bool `yaml:"fail_on_blockers_only"`
	TimeoutSec         int  `yaml:"timeout_sec"`
	MaxDiffBytes       int  `yaml:"max_diff_bytes"`
}

type ImplementConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type ProvidersConfig struct {
	Implement ProviderConfig `yaml:"implement"`
	Review    ProviderConfig `yaml:"review"`
	Retry     RetryConfig    `yaml:"retry"`
}

// ProviderKind tags which provider implementation a ProviderConfig selects.
type ProviderKind string

const (
	ProviderCLI       ProviderKind = "cli"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderStatic    ProviderKind = "static"
)

type ProviderConfig struct {
	Kind      ProviderKind `yaml:"kind"`
	Command   string       `yaml:"command"`
	Model     string       `yaml:"model"`
	MaxTokens int          `yaml:"max_tokens"`
	APIKeyEnv string       `yaml:"api_key_env"`
	Responses []string     `yaml:"responses,omitempty"`
}

type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialIntervalMs int `yaml:"initial_interval_ms"`
	MaxIntervalMs     int `yaml:"max_interval_ms"`
}

type ArtifactsConfig struct {
	MaxVersions int `yaml:"max_versions"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	DefaultStaleTimeoutSec      = 3600
	DefaultHeartbeatIntervalSec = 60
	DefaultCheckTimeoutSec      = 600
	DefaultReviewTimeoutSec     = 900
	DefaultImplementTimeoutSec  = 1800
	DefaultMaxIterations        = 5
	DefaultMaxVersions          = 5
	DefaultMaxDiffBytes         = 200 * 1024
)

// LoadConfig reads and decodes config.yaml, applying defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Lock.StaleTimeoutSec <= 0 {
		c.Lock.StaleTimeoutSec = DefaultStaleTimeoutSec
	}
	if c.Lock.HeartbeatIntervalSec <= 0 {
		c.Lock.HeartbeatIntervalSec = DefaultHeartbeatIntervalSec
	}
	if c.Checks.TimeoutSec <= 0 {
		c.Checks.TimeoutSec = DefaultCheckTimeoutSec
	}
	if c.Review.TimeoutSec <= 0 {
		c.Review.TimeoutSec = DefaultReviewTimeoutSec
	}
	if c.Review.MaxDiffBytes <= 0 {
		c.Review.MaxDiffBytes = DefaultMaxDiffBytes
	}
	if c.Implement.TimeoutSec <= 0 {
		c.Implement.TimeoutSec = DefaultImplementTimeoutSec
	}
	if c.Loop.MaxIterations <= 0 {
		c.Loop.MaxIterations = DefaultMaxIterations
	}
	if c.Artifacts.MaxVersions <= 0 {
		c.Artifacts.MaxVersions = DefaultMaxVersions
	}
	if c.Providers.Implement.Kind == "" {
		c.Providers.Implement.Kind = ProviderCLI
	}
	if c.Providers.Review.Kind == "" {
		c.Providers.Review.Kind = ProviderCLI
	}
	if c.Providers.Retry.MaxAttempts <= 0 {
		c.Providers.Retry.MaxAttempts = 3
	}
	if c.Providers.Retry.InitialIntervalMs <= 0 {
		c.Providers.Retry.InitialIntervalMs = 1000
	}
	if c.Providers.Retry.MaxIntervalMs <= 0 {
		c.Providers.Retry.MaxIntervalMs = 30000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c Config) Validate() error {
	seen := make(map[string]bool)
	for i, cat := range c.Checks.Categories {
		if cat.Name == "" {
			return fmt.Errorf("checks.categories[%d]: name is required", i)
		}
		if cat.Command == "" {
			return fmt.Errorf("checks.categories[%d] (%s): command is required", i, cat.Name)
		}
		if seen[cat.Name] {
			return fmt.Errorf("checks.categories: duplicate name %q", cat.Name)
		}
		seen[cat.Name] = true
	}
	return nil
}

func (c LockConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutSec) * time.Second
}

func (c LockConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c LockConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSec) * time.Second
}
