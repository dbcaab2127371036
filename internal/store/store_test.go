// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rollcallhq/rollcall/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenForTesting(Config{
		Path:       t.TempDir(),
		SyncWrites: false,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func testRecord(id, code, eventID string, capturedAt int64) *models.ScanRecord {
	return &models.ScanRecord{
		ID:           id,
		IdentityCode: code,
		Symbology:    "code39",
		CapturedAt:   capturedAt,
		DeviceID:     "device-1",
		EventID:      eventID,
	}
}

func TestAppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "A009000001", "evt-1", 1000)
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IdentityCode != "A009000001" {
		t.Errorf("identity code = %q, want A009000001", got.IdentityCode)
	}
	if got.SyncState != models.SyncPending {
		t.Errorf("sync state = %q, want pending", got.SyncState)
	}
	if got.QueuedAt.IsZero() {
		t.Error("expected QueuedAt to be set on append")
	}
}

func TestAppendValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, nil); !errors.Is(err, ErrNilRecord) {
		t.Errorf("nil record: err = %v, want ErrNilRecord", err)
	}
	if err := s.Append(ctx, &models.ScanRecord{}); !errors.Is(err, ErrEmptyID) {
		t.Errorf("empty id: err = %v, want ErrEmptyID", err)
	}
}

func TestAppendDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "A009000001", "evt-1", 1000)
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.Append(ctx, testRecord("r1", "B009000002", "evt-1", 2000)); err == nil {
		t.Error("expected error appending duplicate record id")
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Inserted out of capture order on purpose.
	for _, rec := range []*models.ScanRecord{
		testRecord("r3", "C3", "evt-1", 3000),
		testRecord("r1", "C1", "evt-1", 1000),
		testRecord("r2", "C2", "evt-1", 2000),
	} {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.ID, err)
		}
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending count = %d, want 3", len(pending))
	}
	wantOrder := []string{"r1", "r2", "r3"}
	for i, rec := range pending {
		if rec.ID != wantOrder[i] {
			t.Errorf("pending[%d] = %s, want %s", i, rec.ID, wantOrder[i])
		}
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testRecord("r1", "A1", "evt-1", 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.MarkSynced(ctx, "r1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	// Replaying the same id must not fail.
	if err := s.MarkSynced(ctx, "r1"); err != nil {
		t.Fatalf("mark synced again: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncState != models.SyncSynced {
		t.Errorf("sync state = %q, want synced", got.SyncState)
	}
	if got.SyncedAt == nil {
		t.Error("expected SyncedAt to be set")
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending count after sync = %d, want 0", len(pending))
	}
}

func TestMarkSyncedUnknownID(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkSynced(context.Background(), "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestFindByIdentityAndEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testRecord("r1", "A009000001", "evt-1", 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, testRecord("r2", "A009000001", "evt-2", 2000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, testRecord("r3", "B009000002", "evt-1", 3000)); err != nil {
		t.Fatalf("append: %v", err)
	}

	found, err := s.FindByIdentityAndEvent(ctx, "A009000001", "evt-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0].ID != "r1" {
		t.Errorf("found = %v, want exactly r1", found)
	}

	// The duplicate check spans sync states: a synced record still
	// counts as already scanned.
	if err := s.MarkSynced(ctx, "r1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	found, err = s.FindByIdentityAndEvent(ctx, "A009000001", "evt-1")
	if err != nil {
		t.Fatalf("find after sync: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("found %d records after sync, want 1", len(found))
	}

	// Empty dimensions never match.
	found, err = s.FindByIdentityAndEvent(ctx, "", "evt-1")
	if err != nil || found != nil {
		t.Errorf("empty code: found = %v, err = %v", found, err)
	}
}

func TestFindByIdentityAndEventDelimiterSafety(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Codes and event IDs can contain the index delimiter; segments must
	// not bleed across it. (code=A:B, event=E1) and (code=B, event=E1:A)
	// concatenate identically without escaping.
	if err := s.Append(ctx, testRecord("r1", "A:B", "E1", 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}

	found, err := s.FindByIdentityAndEvent(ctx, "B", "E1:A")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("distinct pair matched %d record(s), want 0", len(found))
	}

	found, err = s.FindByIdentityAndEvent(ctx, "A:B", "E1")
	if err != nil {
		t.Fatalf("find exact pair: %v", err)
	}
	if len(found) != 1 || found[0].ID != "r1" {
		t.Errorf("exact pair found = %v, want exactly r1", found)
	}

	// A code that is a prefix of another must not match its records.
	if err := s.Append(ctx, testRecord("r2", "A009", "evt-9", 2000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	found, err = s.FindByIdentityAndEvent(ctx, "A00", "evt-9")
	if err != nil {
		t.Fatalf("find prefix code: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("prefix code matched %d record(s), want 0", len(found))
	}
}

func TestIncrementAttemptAndRetire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testRecord("r1", "A1", "evt-1", 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementAttempt(ctx, "r1", "connection refused")
		if err != nil {
			t.Fatalf("increment attempt: %v", err)
		}
		if got != want {
			t.Errorf("attempts = %d, want %d", got, want)
		}
	}

	if err := s.Retire(ctx, "r1"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	// Idempotent.
	if err := s.Retire(ctx, "r1"); err != nil {
		t.Fatalf("retire again: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Retired {
		t.Error("expected record to be retired")
	}
	if got.LastError != "connection refused" {
		t.Errorf("last error = %q", got.LastError)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after retire = %d, want 0", len(pending))
	}

	retired, err := s.CountRetired(ctx)
	if err != nil {
		t.Fatalf("count retired: %v", err)
	}
	if retired != 1 {
		t.Errorf("retired count = %d, want 1", retired)
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []*models.ScanRecord{
		testRecord("r1", "A1", "evt-1", 1000),
		testRecord("r2", "A2", "evt-1", 2000),
	} {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	pending, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	if err := s.MarkSynced(ctx, "r1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	pending, err = s.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending after sync = %d, want 1", pending)
	}
}

func TestListAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testRecord("r1", "A1", "evt-1", 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, testRecord("r2", "A2", "evt-1", 2000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.MarkSynced(ctx, "r1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("list all = %d records, want 2 (synced records are kept)", len(all))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenForTesting(Config{Path: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(ctx, testRecord("r1", "A009000001", "evt-1", 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	deviceID, err := s.EnsureDeviceID()
	if err != nil {
		t.Fatalf("ensure device id: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenForTesting(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	pending, err := s2.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending after reopen: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "r1" {
		t.Fatalf("pending after reopen = %v, want r1", pending)
	}

	deviceID2, err := s2.EnsureDeviceID()
	if err != nil {
		t.Fatalf("ensure device id after reopen: %v", err)
	}
	if deviceID2 != deviceID {
		t.Errorf("device id changed across restart: %s != %s", deviceID2, deviceID)
	}
}

func TestRosterSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.LoadRoster(ctx); !errors.Is(err, ErrNoRoster) {
		t.Errorf("load before save: err = %v, want ErrNoRoster", err)
	}

	pulledAt := time.Now().UTC().Truncate(time.Second)
	entries := []models.RosterEntry{
		{IdentityCode: "A009000001", FirstName: "Ada", LastName: "Lovelace"},
		{IdentityCode: "B009000002", FirstName: "Alan", LastName: "Turing"},
	}
	if err := s.SaveRoster(ctx, entries, pulledAt); err != nil {
		t.Fatalf("save roster: %v", err)
	}

	got, gotAt, err := s.LoadRoster(ctx)
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(got))
	}
	if got[0].IdentityCode != "A009000001" {
		t.Errorf("first entry = %q", got[0].IdentityCode)
	}
	if !gotAt.Equal(pulledAt) {
		t.Errorf("pulled at = %v, want %v", gotAt, pulledAt)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := OpenForTesting(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Double close is a no-op.
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	ctx := context.Background()
	if err := s.Append(ctx, testRecord("r1", "A1", "evt-1", 1000)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("append on closed store: err = %v, want ErrStoreClosed", err)
	}
	if _, err := s.ListPending(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("list on closed store: err = %v, want ErrStoreClosed", err)
	}
}
