// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/rollcallhq/rollcall/internal/ingest"
	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/models"
	"github.com/rollcallhq/rollcall/internal/syncer"
)

// maxScanBodySize bounds the ingest request body.
const maxScanBodySize = 64 * 1024

// Ingestor accepts raw scans. Implemented by ingest.Pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, raw ingest.RawScan) (*ingest.Result, error)
}

// SyncController exposes sync trigger and status. Implemented by
// syncer.Manager.
type SyncController interface {
	TriggerSync() (*models.SyncSummary, error)
	Status(ctx context.Context) (*models.SyncStatus, error)
}

// RosterReader serves roster lookups from the local cache. Implemented
// by roster.Cache.
type RosterReader interface {
	LookupCached(identityCode string) (models.RosterEntry, bool)
	Search(query string, limit int) []models.RosterEntry
	Fresh() bool
	RefreshedAt() time.Time
	Len() int
}

// RecordLister exports the locally recorded scans. Implemented by
// store.Store.
type RecordLister interface {
	ListAll(ctx context.Context) ([]*models.ScanRecord, error)
}

// Handlers holds the handler dependencies.
type Handlers struct {
	ingestor Ingestor
	sync     SyncController
	roster   RosterReader
	records  RecordLister
	deviceID string
}

// NewHandlers creates the handler set.
func NewHandlers(ingestor Ingestor, sync SyncController, roster RosterReader, records RecordLister, deviceID string) *Handlers {
	return &Handlers{
		ingestor: ingestor,
		sync:     sync,
		roster:   roster,
		records:  records,
		deviceID: deviceID,
	}
}

// Health handles GET /healthz. Liveness only: the agent is healthy even
// when fully offline.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)
	rw.Success(map[string]interface{}{
		"status":    "ok",
		"device_id": h.deviceID,
	})
}

// scanRequest is the ingest request body.
type scanRequest struct {
	IdentityCode string `json:"identity_code"`
	Symbology    string `json:"symbology,omitempty"`
	CapturedAt   int64  `json:"captured_at,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	ListID       string `json:"list_id,omitempty"`
}

// RecordScan handles POST /api/v1/scans. The response distinguishes a
// fresh record (201) from a duplicate (200 with the existing record);
// both are successful outcomes from the operator's point of view.
func (h *Handlers) RecordScan(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)

	var req scanRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBodySize))
	if err := decoder.Decode(&req); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), ingest.RawScan{
		IdentityCode: req.IdentityCode,
		Symbology:    req.Symbology,
		CapturedAt:   req.CapturedAt,
		EventID:      req.EventID,
		ListID:       req.ListID,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyIdentityCode) ||
			errors.Is(err, ingest.ErrInvalidCaptureTime) ||
			ingest.IsValidation(err) {
			rw.BadRequest(err.Error())
			return
		}
		logging.Error().Err(err).Msg("Scan ingestion failed")
		rw.InternalError("failed to record scan")
		return
	}

	if result.Duplicate {
		rw.Success(map[string]interface{}{
			"duplicate": true,
			"record":    result.Existing,
		})
		return
	}

	rw.Created(map[string]interface{}{
		"duplicate": false,
		"record":    result.Record,
	})
}

// SyncStatus handles GET /api/v1/status.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)

	status, err := h.sync.Status(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to read sync status")
		rw.InternalError("failed to read sync status")
		return
	}
	rw.Success(status)
}

// TriggerSync handles POST /api/v1/sync. A cycle already in flight
// covers the caller's request, so coalescing reports success; only a
// missing connection is surfaced as unavailable.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)

	summary, err := h.sync.TriggerSync()
	switch {
	case errors.Is(err, syncer.ErrSyncInFlight):
		rw.Accepted(map[string]interface{}{"coalesced": true})
	case errors.Is(err, syncer.ErrNoConnection):
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "no connection to remote store")
	case err != nil:
		logging.Error().Err(err).Msg("Manual sync failed")
		rw.InternalError("sync failed")
	default:
		rw.Accepted(map[string]interface{}{"coalesced": false, "summary": summary})
	}
}

// ListRecords handles GET /api/v1/records, exporting every locally
// recorded scan including synced and retired ones.
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)

	records, err := h.records.ListAll(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list records")
		rw.InternalError("failed to list records")
		return
	}
	rw.SuccessWithCount(records, len(records))
}

// RosterSearch handles GET /api/v1/roster/search?q=...&limit=...
func (h *Handlers) RosterSearch(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)

	query := r.URL.Query().Get("q")
	if query == "" {
		rw.BadRequest("missing query parameter 'q'")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			rw.BadRequest("invalid limit parameter")
			return
		}
		limit = parsed
	}

	matches := h.roster.Search(query, limit)
	rw.SuccessWithCount(matches, len(matches))
}

// RosterLookup handles GET /api/v1/roster/{code}. Cache-only: never
// blocks on the network, so a miss while offline is simply a miss.
func (h *Handlers) RosterLookup(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)

	code := chi.URLParam(r, "code")
	entry, ok := h.roster.LookupCached(code)
	if !ok {
		rw.NotFound("identity code not in cached roster")
		return
	}
	rw.Success(entry)
}

// RosterInfo handles GET /api/v1/roster, reporting cache state.
func (h *Handlers) RosterInfo(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w)
	rw.Success(map[string]interface{}{
		"entries":      h.roster.Len(),
		"fresh":        h.roster.Fresh(),
		"refreshed_at": h.roster.RefreshedAt(),
	})
}
