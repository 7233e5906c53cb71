// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestra-io/workspace-triggers/internal/poller"
	wsterrors "github.com/kestra-io/workspace-triggers/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete workspace-triggers daemon configuration.
type Config struct {
	Log       LogConfig                 `yaml:"log"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	State     StateConfig               `yaml:"state"`
	Service   ServiceConfig             `yaml:"service"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Triggers  []TriggerEntry            `yaml:"triggers,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled activates the /metrics HTTP listener.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for the metrics server.
	// Environment: WST_METRICS_ADDR
	// Default: 127.0.0.1:9097
	Addr string `yaml:"addr,omitempty"`
}

// StateConfig configures trigger state persistence.
type StateConfig struct {
	// Path is the SQLite database file. ":memory:" keeps state for the
	// lifetime of the process only.
	// Environment: WST_STATE_PATH
	// Default: $XDG_DATA_HOME/workspace-triggers/trigger-state.db
	Path string `yaml:"path,omitempty"`

	// MaxOpenConns limits the SQLite connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// ServiceConfig configures the trigger service runtime.
type ServiceConfig struct {
	// PollTimeout bounds a single poll cycle including state I/O.
	// Default: 45s
	PollTimeout time.Duration `yaml:"poll_timeout,omitempty"`

	// MaxConsecutiveErrors pauses a trigger after this many failed polls
	// in a row. Default: 10
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for in-flight polls
	// during graceful shutdown. Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ProviderConfig holds credentials and pacing for one workspace provider.
type ProviderConfig struct {
	// CredentialsJSON is the service account key as an inline JSON blob.
	CredentialsJSON string `yaml:"credentials_json,omitempty"`

	// CredentialsPath is the filesystem path to a service account key.
	// When neither credential field is set, Application Default
	// Credentials are used.
	CredentialsPath string `yaml:"credentials_path,omitempty"`

	// Scopes overrides the provider's default OAuth scopes.
	Scopes []string `yaml:"scopes,omitempty"`

	// RequestsPerMinute is the API request budget for this provider.
	// Zero means unpaced.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`

	// ConnectTimeout bounds connection establishment to the provider's
	// API endpoint. Zero means the provider default (5s).
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// TriggerEntry declares one trigger instance in the configuration file.
type TriggerEntry struct {
	// ID uniquely identifies the trigger. State is keyed by it, so
	// renaming a trigger resets its cursor.
	ID string `yaml:"id"`

	// Provider names the workspace provider: gmail, calendar or sheets.
	Provider string `yaml:"provider"`

	// Options are the trigger's poll options.
	Options poller.Config `yaml:",inline"`
}

// SupportedProviders lists the provider names the daemon can construct.
var SupportedProviders = []string{"gmail", "calendar", "sheets"}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9097",
		},
		State: StateConfig{
			Path:         defaultStatePath(),
			MaxOpenConns: 5,
		},
		Service: ServiceConfig{
			PollTimeout:          45 * time.Second,
			MaxConsecutiveErrors: 10,
			ShutdownTimeout:      30 * time.Second,
		},
	}
}

// Load loads configuration from environment variables and optionally from a
// YAML file. Environment variables take precedence over file-based
// configuration. If configPath is empty, only environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &wsterrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &wsterrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults so minimal
// configs work without specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
	if c.State.Path == "" {
		c.State.Path = defaults.State.Path
	}
	if c.State.MaxOpenConns == 0 {
		c.State.MaxOpenConns = defaults.State.MaxOpenConns
	}
	if c.Service.PollTimeout == 0 {
		c.Service.PollTimeout = defaults.Service.PollTimeout
	}
	if c.Service.MaxConsecutiveErrors == 0 {
		c.Service.MaxConsecutiveErrors = defaults.Service.MaxConsecutiveErrors
	}
	if c.Service.ShutdownTimeout == 0 {
		c.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("WST_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
		c.Metrics.Enabled = true
	}
	if val := os.Getenv("WST_STATE_PATH"); val != "" {
		c.State.Path = val
	}
	if val := os.Getenv("WST_POLL_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Service.PollTimeout = duration
		}
	}
	if val := os.Getenv("WST_MAX_CONSECUTIVE_ERRORS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Service.MaxConsecutiveErrors = n
		}
	}
	if val := os.Getenv("WST_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Service.ShutdownTimeout = duration
		}
	}
}

// Validate checks that the configuration is valid. Trigger option errors are
// collected per trigger so a bad file reports everything wrong at once.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics.enabled is true")
	}

	if c.Service.PollTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("service.poll_timeout must be positive, got %v", c.Service.PollTimeout))
	}
	if c.Service.MaxConsecutiveErrors < 0 {
		errs = append(errs, fmt.Sprintf("service.max_consecutive_errors must be non-negative, got %d", c.Service.MaxConsecutiveErrors))
	}

	supported := make(map[string]bool, len(SupportedProviders))
	for _, name := range SupportedProviders {
		supported[name] = true
	}
	for name := range c.Providers {
		if !supported[name] {
			errs = append(errs, fmt.Sprintf("providers[%q]: unknown provider, supported: %v", name, SupportedProviders))
		}
	}
	for name, pc := range c.Providers {
		if pc.CredentialsJSON != "" && pc.CredentialsPath != "" {
			errs = append(errs, fmt.Sprintf("providers[%q]: credentials_json and credentials_path are mutually exclusive", name))
		}
		if pc.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("providers[%q]: requests_per_minute must be non-negative, got %d", name, pc.RequestsPerMinute))
		}
	}

	seen := make(map[string]bool)
	for i, trigger := range c.Triggers {
		if trigger.ID == "" {
			errs = append(errs, fmt.Sprintf("triggers[%d]: id is required", i))
		} else if seen[trigger.ID] {
			errs = append(errs, fmt.Sprintf("triggers[%d]: duplicate trigger id %q", i, trigger.ID))
		}
		seen[trigger.ID] = true

		if trigger.Provider == "" {
			errs = append(errs, fmt.Sprintf("triggers[%d] (%s): provider is required", i, trigger.ID))
		} else if !supported[trigger.Provider] {
			errs = append(errs, fmt.Sprintf("triggers[%d] (%s): unknown provider %q, supported: %v", i, trigger.ID, trigger.Provider, SupportedProviders))
		}

		if err := trigger.Options.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("triggers[%d] (%s): %v", i, trigger.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// defaultStatePath returns the default SQLite state database path.
func defaultStatePath() string {
	// Use XDG_DATA_HOME if available
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "workspace-triggers", "trigger-state.db")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/workspace-triggers-state.db"
	}

	return filepath.Join(homeDir, ".local", "share", "workspace-triggers", "trigger-state.db")
}
