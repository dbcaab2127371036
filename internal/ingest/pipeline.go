// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package ingest turns raw scanner events into persisted, identity-
// resolved, duplicate-checked scan records.
//
// Ingestion is synchronous with respect to the caller and never touches
// the network: identity resolution is cache-only and the record is
// returned as soon as the local durable write completes, so the UI can
// update immediately regardless of connectivity.
package ingest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
	"github.com/rollcallhq/rollcall/internal/models"
)

// Ingestion errors.
var (
	ErrEmptyIdentityCode  = errors.New("identity code is empty")
	ErrInvalidCaptureTime = errors.New("capture time is before the epoch")
)

// ValidationError marks a scan rejected by the code validation policy,
// distinguishing caller mistakes from infrastructure failures.
type ValidationError struct {
	err error
}

func (e *ValidationError) Error() string {
	if e.err == nil {
		return "invalid scan"
	}
	return e.err.Error()
}
func (e *ValidationError) Unwrap() error { return e.err }

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RecordStore is the durable store surface the pipeline needs.
type RecordStore interface {
	Append(ctx context.Context, rec *models.ScanRecord) error
	FindByIdentityAndEvent(ctx context.Context, identityCode, eventID string) ([]*models.ScanRecord, error)
}

// Resolver is the cache-only identity lookup.
type Resolver interface {
	LookupCached(identityCode string) (models.RosterEntry, bool)
}

// Publisher receives a notification after a record is durably appended.
type Publisher interface {
	PublishScanRecorded(rec *models.ScanRecord) error
}

// CodeValidator is the pluggable validation policy deciding what counts
// as an acceptable identity code for this deployment. The pipeline itself
// imposes no format law beyond non-emptiness.
type CodeValidator func(code, symbology string) error

// RawScan is the event produced by the (external) barcode-decoding layer.
type RawScan struct {
	IdentityCode string
	Symbology    string
	CapturedAt   int64 // milliseconds since epoch; 0 means "now"
	EventID      string
	ListID       string
}

// Result is the outcome of one ingest call. Duplicate results are a
// distinguished outcome, not an error: the caller decides how to surface
// them, and no new record is appended.
type Result struct {
	Record    *models.ScanRecord
	Duplicate bool
	Existing  *models.ScanRecord // first prior record for the (identity, event) pair
}

// Pipeline wires the ingestion path together. A singleton per process.
type Pipeline struct {
	store     RecordStore
	resolver  Resolver
	publisher Publisher
	validator CodeValidator
	deviceID  string
}

// NewPipeline creates the pipeline. validator and publisher may be nil.
func NewPipeline(store RecordStore, resolver Resolver, publisher Publisher, validator CodeValidator, deviceID string) *Pipeline {
	return &Pipeline{
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		validator: validator,
		deviceID:  deviceID,
	}
}

// Ingest processes one raw scan: validate, resolve identity against the
// cached roster, consult the duplicate guard, and durably append a
// Pending record. Returns synchronously once the local write completes.
//
// The duplicate check is advisory: it prevents user-visible double
// check-ins on this device, while the remote store's own existence check
// catches concurrent scans from other devices at push time.
func (p *Pipeline) Ingest(ctx context.Context, raw RawScan) (*Result, error) {
	code := strings.TrimSpace(raw.IdentityCode)
	if code == "" {
		metrics.IngestErrors.Inc()
		return nil, ErrEmptyIdentityCode
	}
	// A negative capture time would wrap in the pending index and sort
	// after every valid timestamp, breaking oldest-first replay.
	if raw.CapturedAt < 0 {
		metrics.IngestErrors.Inc()
		return nil, ErrInvalidCaptureTime
	}

	if p.validator != nil {
		if err := p.validator(code, raw.Symbology); err != nil {
			metrics.IngestErrors.Inc()
			return nil, &ValidationError{err: err}
		}
	}

	if raw.EventID != "" {
		existing, err := p.store.FindByIdentityAndEvent(ctx, code, raw.EventID)
		if err != nil {
			metrics.IngestErrors.Inc()
			return nil, err
		}
		if len(existing) > 0 {
			metrics.DuplicateScans.Inc()
			logging.Debug().Str("identity", code).Str("event", raw.EventID).Msg("Duplicate scan suppressed")
			return &Result{Duplicate: true, Existing: existing[0]}, nil
		}
	}

	capturedAt := raw.CapturedAt
	if capturedAt == 0 {
		capturedAt = time.Now().UnixMilli()
	}

	listID := raw.ListID
	if listID == "" {
		listID = raw.EventID
	}

	rec := &models.ScanRecord{
		ID:           uuid.New().String(),
		IdentityCode: code,
		Symbology:    raw.Symbology,
		CapturedAt:   capturedAt,
		DeviceID:     p.deviceID,
		EventID:      raw.EventID,
		ListID:       listID,
		SyncState:    models.SyncPending,
		QueuedAt:     time.Now().UTC(),
	}

	// Snapshot the resolved identity at capture time. Denormalized on
	// purpose: exports must stay correct offline even if the roster
	// changes later.
	if entry, ok := p.resolver.LookupCached(code); ok {
		rec.Verified = true
		rec.FirstName = entry.FirstName
		rec.LastName = entry.LastName
		rec.Email = entry.Email
		rec.Program = entry.Program
		rec.Year = entry.Year
	}

	if err := p.store.Append(ctx, rec); err != nil {
		metrics.IngestErrors.Inc()
		return nil, err
	}

	metrics.ScansIngested.WithLabelValues(strconv.FormatBool(rec.Verified)).Inc()

	if p.publisher != nil {
		if err := p.publisher.PublishScanRecorded(rec); err != nil {
			logging.Warn().Err(err).Str("id", rec.ID).Msg("Failed to publish scan.recorded")
		}
	}

	return &Result{Record: rec}, nil
}
