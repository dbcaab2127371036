// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Store.Path != "/data/rollcall" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	if !cfg.Store.SyncWrites {
		t.Error("defaults must enable fsync on writes")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("ROLLCALL_STORE_PATH", t.TempDir())
	t.Setenv("ROLLCALL_SYNC_MAX_ATTEMPTS", "7")
	t.Setenv("ROLLCALL_SYNC_INTERVAL", "5m")
	t.Setenv("ROLLCALL_REMOTE_URL", "https://attendance.example.edu")
	t.Setenv("ROLLCALL_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.MaxAttempts != 7 {
		t.Errorf("max attempts = %d, want 7", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", cfg.Sync.Interval)
	}
	if cfg.Remote.URL != "https://attendance.example.edu" {
		t.Errorf("remote url = %q", cfg.Remote.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
	// Untouched settings keep their defaults.
	if cfg.Roster.TTL != 5*time.Minute {
		t.Errorf("roster ttl = %v, want default 5m", cfg.Roster.TTL)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollcall.yaml")
	yaml := `
store:
  path: ` + dir + `
sync:
  interval: 1m
  max_attempts: 5
roster:
  ttl: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Env beats file.
	t.Setenv("ROLLCALL_SYNC_MAX_ATTEMPTS", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("interval = %v, want 1m (from file)", cfg.Sync.Interval)
	}
	if cfg.Roster.TTL != 30*time.Second {
		t.Errorf("roster ttl = %v, want 30s (from file)", cfg.Roster.TTL)
	}
	if cfg.Sync.MaxAttempts != 9 {
		t.Errorf("max attempts = %d, want 9 (env beats file)", cfg.Sync.MaxAttempts)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"zero max attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"sync interval too short", func(c *Config) { c.Sync.Interval = time.Second }},
		{"bad logging level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"ftp remote url", func(c *Config) { c.Remote.URL = "ftp://example.com" }},
		{"probe url without host", func(c *Config) { c.Connectivity.ProbeURL = "http://" }},
		{"negative push rate", func(c *Config) { c.Sync.PushRate = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestProbeURLDerivation(t *testing.T) {
	cfg := Default()
	if got := cfg.ProbeURL(); got != "" {
		t.Errorf("probe url with no remote = %q, want empty", got)
	}

	cfg.Remote.URL = "https://attendance.example.edu"
	if got := cfg.ProbeURL(); got != "https://attendance.example.edu/healthz" {
		t.Errorf("derived probe url = %q", got)
	}

	cfg.Connectivity.ProbeURL = "https://probe.example.edu/ping"
	if got := cfg.ProbeURL(); got != "https://probe.example.edu/ping" {
		t.Errorf("explicit probe url = %q", got)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ROLLCALL_STORE_PATH", "store.path"},
		{"ROLLCALL_SYNC_MAX_ATTEMPTS", "sync.max_attempts"},
		{"ROLLCALL_CONNECTIVITY_PROBE_URL", "connectivity.probe_url"},
		{"ROLLCALL_REMOTE_URL", "remote.url"},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
