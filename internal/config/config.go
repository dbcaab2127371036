// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package config provides layered configuration for the rollcall agent:
// built-in defaults, an optional YAML config file, and ROLLCALL_*
// environment variables, in increasing order of precedence.
package config

import "time"

// Config is the root agent configuration.
type Config struct {
	Device       DeviceConfig       `koanf:"device"`
	Store        StoreConfig        `koanf:"store"`
	Remote       RemoteConfig       `koanf:"remote"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Roster       RosterConfig       `koanf:"roster"`
	Sync         SyncConfig         `koanf:"sync"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// DeviceConfig identifies this scanning device.
type DeviceConfig struct {
	// ID is the stable device identifier stamped onto every scan record.
	// When empty, an identifier is generated once and persisted in the
	// local store so it survives restarts.
	ID string `koanf:"id"`
}

// StoreConfig configures the BadgerDB-backed local durable store.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`

	// SyncWrites enables fsync on every write. Leave enabled in
	// production; a crash between append and sync must never lose a scan.
	SyncWrites bool `koanf:"sync_writes"`

	GCInterval time.Duration `koanf:"gc_interval" validate:"min=1m"`
	GCRatio    float64       `koanf:"gc_ratio" validate:"gt=0,lte=1"`

	MemTableSize     int64 `koanf:"mem_table_size"`
	ValueLogFileSize int64 `koanf:"value_log_file_size"`
}

// RemoteConfig configures the remote attendance store client.
type RemoteConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`

	// Circuit breaker tuning.
	BreakerMaxRequests uint32        `koanf:"breaker_max_requests"`
	BreakerInterval    time.Duration `koanf:"breaker_interval"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// ConnectivityConfig configures the reachability monitor.
type ConnectivityConfig struct {
	// ProbeURL is the endpoint used to confirm actual internet
	// capability. Defaults to the remote store's health endpoint.
	ProbeURL     string        `koanf:"probe_url"`
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"min=100ms"`

	// PollInterval is the fallback polling cadence used when no native
	// change-notification source is available.
	PollInterval time.Duration `koanf:"poll_interval" validate:"min=1s"`
}

// RosterConfig configures the offline roster cache.
type RosterConfig struct {
	TTL         time.Duration `koanf:"ttl" validate:"min=10s"`
	SearchLimit int           `koanf:"search_limit" validate:"min=1,max=500"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"min=10s"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1,max=100"`

	// PushRate bounds outbound pushes per second; PushBurst is the
	// limiter burst size.
	PushRate  float64 `koanf:"push_rate" validate:"gt=0"`
	PushBurst int     `koanf:"push_burst" validate:"min=1"`
}

// ServerConfig configures the device-local admin API.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"min=1s"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
