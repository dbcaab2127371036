// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rollcallhq/rollcall/internal/models"
	"github.com/rollcallhq/rollcall/internal/remote"
)

// memStore is an in-memory Store tracking sync bookkeeping.
type memStore struct {
	mu      sync.Mutex
	records map[string]*models.ScanRecord
	order   []string
}

func newMemStore(records ...*models.ScanRecord) *memStore {
	s := &memStore{records: make(map[string]*models.ScanRecord)}
	for _, r := range records {
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	return s
}

func (s *memStore) ListPending(ctx context.Context) ([]*models.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScanRecord
	for _, id := range s.order {
		r := s.records[id]
		if r.SyncState != models.SyncSynced && !r.Retired {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) MarkSynced(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			return errors.New("not found")
		}
		r.SyncState = models.SyncSynced
	}
	return nil
}

func (s *memStore) IncrementAttempt(ctx context.Context, id, lastError string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, errors.New("not found")
	}
	r.Attempts++
	r.LastError = lastError
	return r.Attempts, nil
}

func (s *memStore) Retire(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return errors.New("not found")
	}
	r.Retired = true
	return nil
}

func (s *memStore) CountPending(ctx context.Context) (int, error) {
	pending, _ := s.ListPending(ctx)
	return len(pending), nil
}

func (s *memStore) CountRetired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Retired {
			n++
		}
	}
	return n, nil
}

func (s *memStore) get(id string) models.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

// memCache records roster replacements.
type memCache struct {
	mu       sync.Mutex
	replaced [][]models.RosterEntry
}

func (c *memCache) Replace(ctx context.Context, entries []models.RosterEntry, pulledAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, entries)
}

func (c *memCache) replaceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replaced)
}

// scriptedRemote serves a fixed roster and per-record push outcomes.
type scriptedRemote struct {
	mu        sync.Mutex
	roster    []models.RosterEntry
	rosterErr error
	pushErr   map[string]error       // nil entry = accepted
	outcome   map[string]remote.PushOutcome
	pushes    []string
	block     chan struct{} // when set, PushScan blocks until closed
	entered   chan struct{} // when set, receives once per PushScan entry
}

func (r *scriptedRemote) PullRoster(ctx context.Context) ([]models.RosterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rosterErr != nil {
		return nil, r.rosterErr
	}
	return r.roster, nil
}

func (r *scriptedRemote) PushScan(ctx context.Context, rec *models.ScanRecord) (remote.PushOutcome, error) {
	r.mu.Lock()
	block := r.block
	entered := r.entered
	r.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, rec.ID)
	if err := r.pushErr[rec.ID]; err != nil {
		return "", err
	}
	if o, ok := r.outcome[rec.ID]; ok {
		return o, nil
	}
	return remote.PushAccepted, nil
}

func (r *scriptedRemote) Probe(ctx context.Context) error { return nil }

func (r *scriptedRemote) pushed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pushes))
	copy(out, r.pushes)
	return out
}

// stubMonitor reports a fixed connectivity state.
type stubMonitor struct {
	online bool
	sub    chan models.ConnectivityState
}

func newStubMonitor(online bool) *stubMonitor {
	return &stubMonitor{online: online, sub: make(chan models.ConnectivityState, 1)}
}

func (m *stubMonitor) IsCurrentlyConnected() bool { return m.online }
func (m *stubMonitor) State() models.ConnectivityState {
	return models.ConnectivityState{Online: m.online}
}
func (m *stubMonitor) Subscribe() <-chan models.ConnectivityState { return m.sub }

func pendingRecord(id string, capturedAt int64) *models.ScanRecord {
	return &models.ScanRecord{
		ID:           id,
		IdentityCode: "code-" + id,
		CapturedAt:   capturedAt,
		EventID:      "evt-1",
		SyncState:    models.SyncPending,
	}
}

func testConfig() Config {
	return Config{
		Interval:    time.Hour,
		MaxAttempts: 3,
		PushRate:    1000,
		PushBurst:   100,
	}
}

func TestTriggerSyncPushesPendingOldestFirst(t *testing.T) {
	store := newMemStore(
		pendingRecord("r1", 1000),
		pendingRecord("r2", 2000),
		pendingRecord("r3", 3000),
	)
	rem := &scriptedRemote{roster: []models.RosterEntry{{IdentityCode: "A009000001"}}}
	cache := &memCache{}
	m := NewManager(store, cache, rem, newStubMonitor(true), nil, testConfig())

	summary, err := m.TriggerSync()
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if summary.Pushed != 3 {
		t.Errorf("pushed = %d, want 3", summary.Pushed)
	}
	if summary.RosterPulled != 1 {
		t.Errorf("roster pulled = %d, want 1", summary.RosterPulled)
	}
	if cache.replaceCount() != 1 {
		t.Errorf("cache replacements = %d, want 1", cache.replaceCount())
	}

	got := rem.pushed()
	want := []string{"r1", "r2", "r3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("push order[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, id := range want {
		if rec := store.get(id); rec.SyncState != models.SyncSynced {
			t.Errorf("record %s state = %q, want synced", id, rec.SyncState)
		}
	}
}

func TestTriggerSyncNoConnection(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000))
	rem := &scriptedRemote{}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(false), nil, testConfig())

	_, err := m.TriggerSync()
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("err = %v, want ErrNoConnection", err)
	}
	if len(rem.pushed()) != 0 {
		t.Error("offline trigger must not push anything")
	}
}

func TestTriggerSyncAlreadyExistsMarksSynced(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000))
	rem := &scriptedRemote{outcome: map[string]remote.PushOutcome{"r1": remote.PushAlreadyExists}}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(true), nil, testConfig())

	summary, err := m.TriggerSync()
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if summary.AlreadyExists != 1 || summary.Pushed != 0 {
		t.Errorf("summary = %+v, want AlreadyExists 1", summary)
	}
	if rec := store.get("r1"); rec.SyncState != models.SyncSynced {
		t.Errorf("already-exists record state = %q, want synced (no retry loop)", rec.SyncState)
	}
}

func TestTriggerSyncFailureIncrementsAttempts(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000), pendingRecord("r2", 2000))
	rem := &scriptedRemote{pushErr: map[string]error{"r1": errors.New("timeout")}}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(true), nil, testConfig())

	summary, err := m.TriggerSync()
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if summary.Failed != 1 || summary.Pushed != 1 {
		t.Errorf("summary = %+v, want 1 failed 1 pushed", summary)
	}

	// One record failing must not block the rest of the queue.
	if rec := store.get("r2"); rec.SyncState != models.SyncSynced {
		t.Error("failure of r1 must not block r2")
	}
	rec := store.get("r1")
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}
	if rec.Retired {
		t.Error("record must not retire before MaxAttempts")
	}
	if rec.LastError != "timeout" {
		t.Errorf("last error = %q", rec.LastError)
	}
}

func TestRecordRetiresAfterMaxAttempts(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000))
	rem := &scriptedRemote{pushErr: map[string]error{"r1": errors.New("rejected")}}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(true), nil, testConfig())

	var retired int
	for cycle := 1; cycle <= 3; cycle++ {
		summary, err := m.TriggerSync()
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		retired += summary.Retired
	}

	rec := store.get("r1")
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
	if !rec.Retired {
		t.Fatal("expected record retired after 3 failed attempts")
	}
	if retired != 1 {
		t.Errorf("retired total = %d, want 1", retired)
	}

	// Retired records leave the pending set for good.
	summary, err := m.TriggerSync()
	if err != nil {
		t.Fatalf("post-retire cycle: %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("post-retire failed = %d, want 0 (no more attempts)", summary.Failed)
	}
}

func TestPullFailureDoesNotBlockPush(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000))
	rem := &scriptedRemote{rosterErr: errors.New("roster endpoint down")}
	cache := &memCache{}
	m := NewManager(store, cache, rem, newStubMonitor(true), nil, testConfig())

	summary, err := m.TriggerSync()
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if summary.PullError == "" {
		t.Error("expected pull error in summary")
	}
	if cache.replaceCount() != 0 {
		t.Error("failed pull must leave the cache untouched")
	}
	if summary.Pushed != 1 {
		t.Errorf("pushed = %d, want 1 (push phase runs despite pull failure)", summary.Pushed)
	}
}

func TestConcurrentTriggerCoalesces(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000))
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	rem := &scriptedRemote{block: block, entered: entered}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(true), nil, testConfig())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := m.TriggerSync(); err != nil {
			t.Errorf("first trigger: %v", err)
		}
	}()

	// Wait until the first cycle holds the single-flight lock (it is
	// blocked inside PushScan). Without this the polling TriggerSync
	// below could win the lock itself and deadlock on the block channel.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached PushScan")
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := m.TriggerSync(); errors.Is(err, ErrSyncInFlight) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never observed an in-flight cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(block)
	<-firstDone

	if got := len(rem.pushed()); got != 1 {
		t.Errorf("pushes = %d, want 1 (coalesced trigger must not double-push)", got)
	}
}

func TestStatus(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000), pendingRecord("r2", 2000))
	rem := &scriptedRemote{}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(true), nil, testConfig())

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsConnected {
		t.Error("expected connected status")
	}
	if status.PendingCount != 2 {
		t.Errorf("pending = %d, want 2", status.PendingCount)
	}
	if !status.LastSyncTime.IsZero() {
		t.Error("expected zero last sync before any cycle")
	}

	if _, err := m.TriggerSync(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	status, err = m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PendingCount != 0 {
		t.Errorf("pending after sync = %d, want 0", status.PendingCount)
	}
	if status.LastSyncTime.IsZero() {
		t.Error("expected last sync time recorded")
	}
	if status.LastSummary == nil || status.LastSummary.Pushed != 2 {
		t.Errorf("last summary = %+v", status.LastSummary)
	}
}

func TestStatusLastSyncRequiresCleanCycle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(pendingRecord("r1", 1000))
	rem := &scriptedRemote{pushErr: map[string]error{"r1": errors.New("timeout")}}
	m := NewManager(store, &memCache{}, rem, newStubMonitor(true), nil, testConfig())

	if _, err := m.TriggerSync(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.LastSyncTime.IsZero() {
		t.Error("cycle with failed pushes must not count as a successful sync")
	}
	if status.LastAttemptTime.IsZero() {
		t.Error("attempt time should advance on every cycle")
	}

	// A clean push phase with a failed roster pull still does not count.
	delete(rem.pushErr, "r1")
	rem.rosterErr = errors.New("roster endpoint down")
	if _, err := m.TriggerSync(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	status, _ = m.Status(ctx)
	if !status.LastSyncTime.IsZero() {
		t.Error("cycle with a pull error must not count as a successful sync")
	}

	rem.rosterErr = nil
	if _, err := m.TriggerSync(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	status, _ = m.Status(ctx)
	if status.LastSyncTime.IsZero() {
		t.Error("clean cycle should record a successful sync time")
	}
	if m.LastSuccessTime().IsZero() {
		t.Error("LastSuccessTime should match the recorded status")
	}
}

func waitForCycle(t *testing.T, cycles <-chan models.SyncSummary) models.SyncSummary {
	t.Helper()
	select {
	case s := <-cycles:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sync cycle")
		return models.SyncSummary{}
	}
}

func TestServeTriggersOncePerOnlineEdge(t *testing.T) {
	mon := newStubMonitor(true)
	m := NewManager(newMemStore(), &memCache{}, &scriptedRemote{}, mon, nil, testConfig())

	cycles := make(chan models.SyncSummary, 8)
	m.SetOnCompleted(func(s models.SyncSummary) { cycles <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	waitForCycle(t, cycles) // startup cycle

	mon.sub <- models.ConnectivityState{Online: true, Epoch: 1}
	waitForCycle(t, cycles)

	// A coalesced redelivery of an already-synced epoch, or an offline
	// state, must not fire another cycle.
	mon.sub <- models.ConnectivityState{Online: true, Epoch: 1}
	mon.sub <- models.ConnectivityState{Online: false, Epoch: 1}
	select {
	case <-cycles:
		t.Fatal("cycle fired for an already-synced epoch")
	case <-time.After(100 * time.Millisecond):
	}

	mon.sub <- models.ConnectivityState{Online: true, Epoch: 2}
	waitForCycle(t, cycles)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("serve returned %v, want context.Canceled", err)
	}
}

func TestServePeriodicTriggerWhileOnline(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	mon := newStubMonitor(true)
	m := NewManager(newMemStore(), &memCache{}, &scriptedRemote{}, mon, nil, cfg)

	cycles := make(chan models.SyncSummary, 16)
	m.SetOnCompleted(func(s models.SyncSummary) { cycles <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	waitForCycle(t, cycles) // startup
	waitForCycle(t, cycles) // first ticker fire

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("serve returned %v, want context.Canceled", err)
	}
}

func TestOnCompletedCallback(t *testing.T) {
	store := newMemStore(pendingRecord("r1", 1000))
	m := NewManager(store, &memCache{}, &scriptedRemote{}, newStubMonitor(true), nil, testConfig())

	var mu sync.Mutex
	var summaries []models.SyncSummary
	m.SetOnCompleted(func(s models.SyncSummary) {
		mu.Lock()
		defer mu.Unlock()
		summaries = append(summaries, s)
	})

	if _, err := m.TriggerSync(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(summaries) != 1 || summaries[0].Pushed != 1 {
		t.Errorf("callback summaries = %+v", summaries)
	}
}
