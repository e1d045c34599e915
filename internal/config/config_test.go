// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// DEFAULT TESTS
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Session.InactivityTimeoutMins != 2 {
		t.Errorf("InactivityTimeoutMins = %d, want 2", cfg.Session.InactivityTimeoutMins)
	}
	if cfg.Session.MaxAgeHours != 24 {
		t.Errorf("MaxAgeHours = %d, want 24", cfg.Session.MaxAgeHours)
	}
	if cfg.Session.WarningSeconds != 60 {
		t.Errorf("WarningSeconds = %d, want 60", cfg.Session.WarningSeconds)
	}
	if cfg.Cache.TTLMinutes != 2 {
		t.Errorf("Cache TTLMinutes = %d, want 2", cfg.Cache.TTLMinutes)
	}
	if cfg.Backend.ConnectivityPollSecs != 10 {
		t.Errorf("ConnectivityPollSecs = %d, want 10", cfg.Backend.ConnectivityPollSecs)
	}
	if cfg.Backend.ConnectivityTimeoutSecs != 5 {
		t.Errorf("ConnectivityTimeoutSecs = %d, want 5", cfg.Backend.ConnectivityTimeoutSecs)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config must validate, got %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.InactivityTimeout() != 2*time.Minute {
		t.Errorf("InactivityTimeout = %v, want 2m", cfg.InactivityTimeout())
	}
	if cfg.SessionMaxAge() != 24*time.Hour {
		t.Errorf("SessionMaxAge = %v, want 24h", cfg.SessionMaxAge())
	}
	if cfg.CacheTTL() != 2*time.Minute {
		t.Errorf("CacheTTL = %v, want 2m", cfg.CacheTTL())
	}
	if cfg.ConnectivityTimeout() != 5*time.Second {
		t.Errorf("ConnectivityTimeout = %v, want 5s", cfg.ConnectivityTimeout())
	}
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty base url", func(c *Config) { c.Backend.BaseURL = "" }, "backend.base_url"},
		{"relative base url", func(c *Config) { c.Backend.BaseURL = "not-a-url" }, "backend.base_url"},
		{"zero inactivity", func(c *Config) { c.Session.InactivityTimeoutMins = 0 }, "session.inactivity_timeout_mins"},
		{"huge inactivity", func(c *Config) { c.Session.InactivityTimeoutMins = 500 }, "session.inactivity_timeout_mins"},
		{"tiny warning", func(c *Config) { c.Session.WarningSeconds = 1 }, "session.warning_seconds"},
		{"zero max age", func(c *Config) { c.Session.MaxAgeHours = 0 }, "session.max_age_hours"},
		{"cache ttl too large", func(c *Config) { c.Cache.TTLMinutes = 120 }, "cache.ttl_minutes"},
		{
			"probe timeout above poll interval",
			func(c *Config) { c.Backend.ConnectivityTimeoutSecs = 30 },
			"backend.connectivity_timeout_secs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should have failed")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q should mention field %q", err, tt.field)
			}
		})
	}
}

// =============================================================================
// ENV OVERRIDE TESTS
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STUDYGATE_BASE_URL", "https://lms.example.edu")
	t.Setenv("STUDYGATE_INACTIVITY_MIN", "5")
	t.Setenv("STUDYGATE_CACHE_DISABLED", "true")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Backend.BaseURL != "https://lms.example.edu" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Session.InactivityTimeoutMins != 5 {
		t.Errorf("InactivityTimeoutMins = %d, want 5", cfg.Session.InactivityTimeoutMins)
	}
	if cfg.Cache.Enabled {
		t.Error("cache should be disabled by env override")
	}
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("STUDYGATE_INACTIVITY_MIN", "five")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Session.InactivityTimeoutMins != 2 {
		t.Errorf("non-numeric override should be ignored, got %d", cfg.Session.InactivityTimeoutMins)
	}
}

// =============================================================================
// SAVE / LOAD TESTS
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Backend.BaseURL = "https://lms.example.edu/api-root"
	cfg.Session.InactivityTimeoutMins = 10

	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Backend.BaseURL != cfg.Backend.BaseURL {
		t.Errorf("BaseURL = %q, want %q", loaded.Backend.BaseURL, cfg.Backend.BaseURL)
	}
	if loaded.Session.InactivityTimeoutMins != 10 {
		t.Errorf("InactivityTimeoutMins = %d, want 10", loaded.Session.InactivityTimeoutMins)
	}
}

func TestLoadFromPathFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	partial := "[backend]\nbase_url = \"https://lms.example.edu\"\n"
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Session.InactivityTimeoutMins != 2 {
		t.Errorf("missing fields should default, got %d", cfg.Session.InactivityTimeoutMins)
	}
	if cfg.Backend.BaseURL != "https://lms.example.edu" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
}
