// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package remote defines the client-side protocol for talking to the
// shared attendance store. The store itself is an external collaborator;
// this package only knows how to pull the roster, push scans with
// server-side duplicate detection, and probe reachability.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/rollcallhq/rollcall/internal/models"
)

// PushOutcome is the unified push contract: a push either lands a new
// record or discovers the server already has one for that identity and
// event. alreadyExists is a successful no-op for the client; the locally
// denormalized identity fields never overwrite the server's copy
// (first-scan-wins).
type PushOutcome string

const (
	PushAccepted      PushOutcome = "accepted"
	PushAlreadyExists PushOutcome = "already_exists"
)

// Client is the injected remote-store dependency, constructed once per
// process and handed to the sync coordinator. Tests substitute a fake.
type Client interface {
	// PullRoster fetches the full identity roster. The roster is small
	// enough that wholesale pull is cheaper and more predictable offline
	// than per-key lookups.
	PullRoster(ctx context.Context) ([]models.RosterEntry, error)

	// PushScan upserts one scan record. The server performs its own
	// (identity, event) existence check; two devices can both pass the
	// local duplicate guard for the same pair.
	PushScan(ctx context.Context, rec *models.ScanRecord) (PushOutcome, error)

	// Probe verifies the store is reachable.
	Probe(ctx context.Context) error
}

// permanentError marks a rejection that retrying cannot fix (malformed
// record, schema violation). The sync coordinator still runs such records
// through the normal attempt counter so one poison record never blocks
// the queue, but callers can log them distinctly.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as a permanent remote rejection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is a permanent remote rejection rather
// than a transient failure worth retrying.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// statusError carries the HTTP status of a failed remote call.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("remote store returned status %d", e.status)
	}
	return fmt.Sprintf("remote store returned status %d: %s", e.status, e.body)
}
