// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package store

import (
	"fmt"
	"time"
)

// Config holds local durable store settings.
type Config struct {
	// Path is the BadgerDB directory.
	Path string

	// SyncWrites enables fsync on every write. A crash between Append
	// returning and any later step must never lose the record, so this
	// stays on in production.
	SyncWrites bool

	// MemTableSize and ValueLogFileSize tune BadgerDB memory use.
	MemTableSize     int64
	ValueLogFileSize int64

	// GCInterval and GCRatio control periodic value-log garbage
	// collection (see GCService).
	GCInterval time.Duration
	GCRatio    float64
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       true,
		MemTableSize:     32 << 20,
		ValueLogFileSize: 64 << 20,
		GCInterval:       10 * time.Minute,
		GCRatio:          0.5,
	}
}

// Validate checks the configuration for production use.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.GCRatio <= 0 || c.GCRatio > 1 {
		return fmt.Errorf("gc ratio must be in (0, 1], got %v", c.GCRatio)
	}
	if c.GCInterval < time.Minute {
		return fmt.Errorf("gc interval must be at least 1m, got %v", c.GCInterval)
	}
	return nil
}
