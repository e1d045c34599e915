// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// the studygate client.
//
// Supports both TOML and JSON configuration formats, with sensible
// defaults, environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.studygate/config.toml
//   - ~/.studygate/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/studygate/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete studygate client configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Backend configuration
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Session lifecycle configuration
	Session SessionConfig `toml:"session" json:"session"`

	// Response cache configuration
	Cache CacheConfig `toml:"cache" json:"cache"`

	// Timed-test configuration
	Test TestConfig `toml:"test" json:"test"`
}

// BackendConfig contains the remote REST backend settings.
type BackendConfig struct {
	// BaseURL is the root of the learning-platform REST API.
	BaseURL string `toml:"base_url" json:"base_url"`
	// ConnectivityPollSecs is how often the connectivity checker probes
	// the backend. Default: 10 seconds.
	ConnectivityPollSecs int `toml:"connectivity_poll_secs" json:"connectivity_poll_secs"`
	// ConnectivityTimeoutSecs is the per-probe timeout. Default: 5 seconds.
	ConnectivityTimeoutSecs int `toml:"connectivity_timeout_secs" json:"connectivity_timeout_secs"`
	// RequestTimeoutSecs is the timeout for regular API calls.
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	// InactivityTimeoutMins is the inactivity ceiling in minutes before a
	// forced logout. Default: 2.
	InactivityTimeoutMins int `toml:"inactivity_timeout_mins" json:"inactivity_timeout_mins"`
	// WarningSeconds is the idle warning countdown length. Default: 60.
	WarningSeconds int `toml:"warning_seconds" json:"warning_seconds"`
	// MaxAgeHours is the absolute session-age ceiling. A session older
	// than this is never restored regardless of activity. Default: 24.
	MaxAgeHours int `toml:"max_age_hours" json:"max_age_hours"`
	// StorePath is the durable store location (empty = default
	// ~/.studygate/session.db).
	StorePath string `toml:"store_path" json:"store_path"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	// Enabled controls whether dashboard responses are cached.
	Enabled bool `toml:"enabled" json:"enabled"`
	// TTLMinutes is the entry time-to-live. Default: 2.
	TTLMinutes int `toml:"ttl_minutes" json:"ttl_minutes"`
	// SweepMinutes is the interval of the background eviction sweep.
	// Default: 2.
	SweepMinutes int `toml:"sweep_minutes" json:"sweep_minutes"`
}

// TestConfig contains timed-test settings.
type TestConfig struct {
	// ResyncSeconds is how often the local countdown re-synchronizes with
	// the server-authoritative remaining time. Default: 30.
	ResyncSeconds int `toml:"resync_seconds" json:"resync_seconds"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Backend: BackendConfig{
			BaseURL:                 "http://127.0.0.1:8000",
			ConnectivityPollSecs:    10,
			ConnectivityTimeoutSecs: 5,
			RequestTimeoutSecs:      30,
		},

		Session: SessionConfig{
			InactivityTimeoutMins: 2,
			WarningSeconds:        60,
			MaxAgeHours:           24,
		},

		Cache: CacheConfig{
			Enabled:      true,
			TTLMinutes:   2,
			SweepMinutes: 2,
		},

		Test: TestConfig{
			ResyncSeconds: 30,
		},
	}
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

// InactivityTimeout returns the inactivity ceiling as a duration.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Session.InactivityTimeoutMins) * time.Minute
}

// SessionMaxAge returns the absolute session-age ceiling as a duration.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Session.MaxAgeHours) * time.Hour
}

// CacheTTL returns the cache entry time-to-live as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

// CacheSweepInterval returns the background sweep interval as a duration.
func (c *Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepMinutes) * time.Minute
}

// ConnectivityPoll returns the connectivity probe interval as a duration.
func (c *Config) ConnectivityPoll() time.Duration {
	return time.Duration(c.Backend.ConnectivityPollSecs) * time.Second
}

// ConnectivityTimeout returns the per-probe timeout as a duration.
func (c *Config) ConnectivityTimeout() time.Duration {
	return time.Duration(c.Backend.ConnectivityTimeoutSecs) * time.Second
}

// RequestTimeout returns the API request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeoutSecs) * time.Second
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the studygate configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".studygate"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultStorePath returns the default durable store location.
func DefaultStorePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.db"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s). Tries TOML first, then
// JSON, and falls back to defaults. Environment overrides are applied
// last, then validation.
func Load() (*Config, error) {
	cfg := Default()

	if path, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load TOML config: %w", err)
			}
			return finalize(cfg)
		}
	}

	if path, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadJSON(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load JSON config: %w", err)
			}
			return finalize(cfg)
		}
	}

	return finalize(cfg)
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := loadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := loadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	return finalize(cfg)
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

func loadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# studygate configuration file\n")
	sb.WriteString("# Generated by studygate - edit with care\n\n")

	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Backend.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: "must not be empty",
		})
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: fmt.Sprintf("invalid URL '%s'", c.Backend.BaseURL),
		})
	}

	if c.Backend.ConnectivityPollSecs < 1 || c.Backend.ConnectivityPollSecs > 300 {
		errs = append(errs, ValidationError{
			Field:   "backend.connectivity_poll_secs",
			Message: fmt.Sprintf("must be 1-300, got %d", c.Backend.ConnectivityPollSecs),
		})
	}

	if c.Backend.ConnectivityTimeoutSecs < 1 || c.Backend.ConnectivityTimeoutSecs > c.Backend.ConnectivityPollSecs {
		errs = append(errs, ValidationError{
			Field:   "backend.connectivity_timeout_secs",
			Message: fmt.Sprintf("must be 1-%d (at most the poll interval), got %d",
				c.Backend.ConnectivityPollSecs, c.Backend.ConnectivityTimeoutSecs),
		})
	}

	if c.Session.InactivityTimeoutMins < 1 || c.Session.InactivityTimeoutMins > 120 {
		errs = append(errs, ValidationError{
			Field:   "session.inactivity_timeout_mins",
			Message: fmt.Sprintf("must be 1-120, got %d", c.Session.InactivityTimeoutMins),
		})
	}

	if c.Session.WarningSeconds < 5 || c.Session.WarningSeconds > 300 {
		errs = append(errs, ValidationError{
			Field:   "session.warning_seconds",
			Message: fmt.Sprintf("must be 5-300, got %d", c.Session.WarningSeconds),
		})
	}

	if c.Session.MaxAgeHours < 1 || c.Session.MaxAgeHours > 168 {
		errs = append(errs, ValidationError{
			Field:   "session.max_age_hours",
			Message: fmt.Sprintf("must be 1-168, got %d", c.Session.MaxAgeHours),
		})
	}

	if c.Cache.TTLMinutes < 1 || c.Cache.TTLMinutes > 60 {
		errs = append(errs, ValidationError{
			Field:   "cache.ttl_minutes",
			Message: fmt.Sprintf("must be 1-60, got %d", c.Cache.TTLMinutes),
		})
	}

	if c.Test.ResyncSeconds < 5 || c.Test.ResyncSeconds > 600 {
		errs = append(errs, ValidationError{
			Field:   "test.resync_seconds",
			Message: fmt.Sprintf("must be 5-600, got %d", c.Test.ResyncSeconds),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills in any zero-value fields with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if c.Backend.ConnectivityPollSecs == 0 {
		c.Backend.ConnectivityPollSecs = defaults.Backend.ConnectivityPollSecs
	}
	if c.Backend.ConnectivityTimeoutSecs == 0 {
		c.Backend.ConnectivityTimeoutSecs = defaults.Backend.ConnectivityTimeoutSecs
	}
	if c.Backend.RequestTimeoutSecs == 0 {
		c.Backend.RequestTimeoutSecs = defaults.Backend.RequestTimeoutSecs
	}
	if c.Session.InactivityTimeoutMins == 0 {
		c.Session.InactivityTimeoutMins = defaults.Session.InactivityTimeoutMins
	}
	if c.Session.WarningSeconds == 0 {
		c.Session.WarningSeconds = defaults.Session.WarningSeconds
	}
	if c.Session.MaxAgeHours == 0 {
		c.Session.MaxAgeHours = defaults.Session.MaxAgeHours
	}
	if c.Cache.TTLMinutes == 0 {
		c.Cache.TTLMinutes = defaults.Cache.TTLMinutes
	}
	if c.Cache.SweepMinutes == 0 {
		c.Cache.SweepMinutes = defaults.Cache.SweepMinutes
	}
	if c.Test.ResyncSeconds == 0 {
		c.Test.ResyncSeconds = defaults.Test.ResyncSeconds
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - STUDYGATE_BASE_URL: overrides backend.base_url
//   - STUDYGATE_INACTIVITY_MIN: overrides session.inactivity_timeout_mins
//   - STUDYGATE_MAX_AGE_HOURS: overrides session.max_age_hours
//   - STUDYGATE_CACHE_TTL_MIN: overrides cache.ttl_minutes
//   - STUDYGATE_CACHE_DISABLED: set to "1" or "true" to disable caching
//   - STUDYGATE_STORE_PATH: overrides session.store_path
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STUDYGATE_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("STUDYGATE_INACTIVITY_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.InactivityTimeoutMins = n
		}
	}
	if v := os.Getenv("STUDYGATE_MAX_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxAgeHours = n
		}
	}
	if v := os.Getenv("STUDYGATE_CACHE_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.TTLMinutes = n
		}
	}
	if v := os.Getenv("STUDYGATE_CACHE_DISABLED"); v != "" {
		c.Cache.Enabled = !(v == "1" || strings.EqualFold(v, "true"))
	}
	if v := os.Getenv("STUDYGATE_STORE_PATH"); v != "" {
		c.Session.StorePath = v
	}
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance. Loads configuration on
// first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
