// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package models defines the shared data types for the rollcall agent:
// scan records, roster entries, connectivity state, and sync reporting.
package models

import (
	"strings"
	"time"
)

// SyncState tracks a scan record's outbound replication lifecycle.
type SyncState string

const (
	// SyncPending marks a record that has not yet been accepted by the
	// remote store. All records start in this state.
	SyncPending SyncState = "pending"

	// SyncSynced marks a record the remote store has accepted (or reported
	// as already existing). Terminal state.
	SyncSynced SyncState = "synced"
)

// ScanRecord is one ingestion event: a single physical scan captured on a
// device, persisted durably before any network activity.
//
// ID is immutable and globally unique (client-generated), stable across
// push retries. A record is written exactly once per physical scan and is
// never mutated except for sync bookkeeping (SyncState, Attempts, Retired).
// Records are never deleted by this subsystem.
//
// The identity fields (FirstName..Year) are a snapshot taken at capture
// time. They are intentionally denormalized so exports stay correct
// offline even if the roster changes later. Do not normalize these into a
// roster foreign key.
type ScanRecord struct {
	ID           string `json:"id"`
	IdentityCode string `json:"identity_code"`
	Symbology    string `json:"symbology"`
	CapturedAt   int64  `json:"captured_at"` // milliseconds since epoch, client clock
	DeviceID     string `json:"device_id"`
	EventID      string `json:"event_id,omitempty"` // empty = unassigned scan
	ListID       string `json:"list_id,omitempty"`  // grouping key, defaults to EventID

	// Verified reports whether identity resolution succeeded at capture time.
	Verified bool `json:"verified"`

	// Identity snapshot, denormalized at capture time.
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Program   string `json:"program,omitempty"`
	Year      string `json:"year,omitempty"`

	// Sync bookkeeping.
	SyncState SyncState  `json:"sync_state"`
	Attempts  int        `json:"attempts"`
	Retired   bool       `json:"retired,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	QueuedAt  time.Time  `json:"queued_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// CapturedTime returns CapturedAt as a time.Time.
func (r *ScanRecord) CapturedTime() time.Time {
	return time.UnixMilli(r.CapturedAt)
}

// RosterEntry is one cached identity record from the remote roster.
// The roster cache owns these and replaces them wholesale on each
// successful pull; entries are never partially mutated.
type RosterEntry struct {
	IdentityCode string `json:"identity_code"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email,omitempty"`
	Program      string `json:"program,omitempty"`
	Year         string `json:"year,omitempty"`
	Active       bool   `json:"active"`
}

// FullName returns "First Last" with surrounding whitespace trimmed.
func (e *RosterEntry) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// ConnectivityState is a point-in-time reachability snapshot. Epoch
// increments on every offline-to-online transition; consumers compare
// epochs to detect transitions they have not yet reacted to, which
// survives signal coalescing.
type ConnectivityState struct {
	Online bool   `json:"online"`
	Epoch  uint64 `json:"epoch"`
}

// SyncSummary reports the outcome of one sync cycle.
type SyncSummary struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Pushed        int           `json:"pushed"`
	AlreadyExists int           `json:"already_exists"`
	Failed        int           `json:"failed"`
	Retired       int           `json:"retired"`
	RosterPulled  int           `json:"roster_pulled"`
	PullError     string        `json:"pull_error,omitempty"`
}

// SyncStatus is the always-available (including fully offline) view of the
// sync subsystem, exposed to UI and export collaborators.
type SyncStatus struct {
	IsConnected  bool `json:"is_connected"`
	PendingCount int  `json:"pending_count"`
	RetiredCount int  `json:"retired_count"`

	// LastSyncTime is the last fully successful cycle: roster pulled
	// and every pending push reconciled. LastAttemptTime moves on every
	// cycle, so the two diverging signals a degraded link.
	LastSyncTime    time.Time    `json:"last_sync_time"`
	LastAttemptTime time.Time    `json:"last_attempt_time"`
	LastSummary     *SyncSummary `json:"last_summary,omitempty"`
}
