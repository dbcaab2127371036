// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"rollcall.yaml",
	"rollcall.yml",
	"/etc/rollcall/config.yaml",
	"/etc/rollcall/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "ROLLCALL_CONFIG"

// envPrefix is stripped from environment variables before mapping them to
// config paths: ROLLCALL_SYNC_MAX_ATTEMPTS -> sync.max_attempts.
const envPrefix = "ROLLCALL_"

// Default returns a Config with all built-in defaults. These are applied
// first, then overridden by the config file and environment variables.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID: "", // Generated and persisted on first start if empty
		},
		Store: StoreConfig{
			Path:             "/data/rollcall",
			SyncWrites:       true,
			GCInterval:       10 * time.Minute,
			GCRatio:          0.5,
			MemTableSize:     32 << 20, // 32MB
			ValueLogFileSize: 64 << 20, // 64MB
		},
		Remote: RemoteConfig{
			URL:                "",
			APIKey:             "",
			Timeout:            15 * time.Second,
			BreakerMaxRequests: 3,
			BreakerInterval:    time.Minute,
			BreakerTimeout:     2 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:     "", // Defaults to remote.url's health endpoint
			ProbeTimeout: 3 * time.Second,
			PollInterval: 5 * time.Second,
		},
		Roster: RosterConfig{
			TTL:         5 * time.Minute,
			SearchLimit: 25,
		},
		Sync: SyncConfig{
			Interval:    15 * time.Minute,
			MaxAttempts: 3,
			PushRate:    20,
			PushBurst:   5,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            7337,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: ROLLCALL_* overrides (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps environment variable names to config paths. The
// first underscore after the prefix separates section from key:
//
//	ROLLCALL_STORE_PATH              -> store.path
//	ROLLCALL_SYNC_MAX_ATTEMPTS       -> sync.max_attempts
//	ROLLCALL_CONNECTIVITY_PROBE_URL  -> connectivity.probe_url
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}
