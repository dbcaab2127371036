// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

/*
manager.go - Sync Coordinator

The Manager reconciles locally recorded scans with the remote store and
refreshes the roster cache. One code path serves every trigger source:

  - Startup: one cycle attempt when the service starts
  - Connectivity: one cycle per offline-to-online epoch transition
  - Periodic: ticker while online (default 15m)
  - Manual: TriggerSync() from the admin API

Cycle shape (runCycle):
 1. Pre-flight: abort immediately when offline; no partial work.
 2. Pull phase: wholesale roster fetch, atomic cache replacement.
    Pull failure never blocks the push phase.
 3. Push phase: pending records oldest-first; accepted and alreadyExists
    both mark the record Synced (the server's duplicate check winning is
    a successful no-op); failures increment the attempt counter and
    retire the record once the bound is reached.
 4. Summary: counts recorded, metrics updated, sync.completed published.

Concurrency: syncMu gives single-flight semantics — a trigger arriving
while a cycle is in flight coalesces into a no-op, since the running
cycle already covers the same pending set. Cycles run on a detached
context so an abandoned caller never leaves records with half-applied
attempt counts. Ingestion writes to the store independently and never
waits on a cycle.
*/
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
	"github.com/rollcallhq/rollcall/internal/models"
	"github.com/rollcallhq/rollcall/internal/remote"
)

// Trigger errors. Both are "nothing happened" conditions, not failures:
// callers surface them as status, never as fatal.
var (
	ErrSyncInFlight = errors.New("sync cycle already in flight")
	ErrNoConnection = errors.New("no connection")
)

// Store is the durable-store surface the coordinator needs.
type Store interface {
	ListPending(ctx context.Context) ([]*models.ScanRecord, error)
	MarkSynced(ctx context.Context, ids ...string) error
	IncrementAttempt(ctx context.Context, id, lastError string) (int, error)
	Retire(ctx context.Context, id string) error
	CountPending(ctx context.Context) (int, error)
	CountRetired(ctx context.Context) (int, error)
}

// RosterCache receives the wholesale roster replacement after a pull.
type RosterCache interface {
	Replace(ctx context.Context, entries []models.RosterEntry, pulledAt time.Time)
}

// Monitor is the connectivity surface the coordinator needs.
type Monitor interface {
	IsCurrentlyConnected() bool
	State() models.ConnectivityState
	Subscribe() <-chan models.ConnectivityState
}

// Publisher receives the per-cycle summary event.
type Publisher interface {
	PublishSyncCompleted(summary models.SyncSummary) error
}

// Config holds coordinator settings.
type Config struct {
	// Interval is the periodic trigger cadence while online.
	Interval time.Duration
	// MaxAttempts bounds push retries per record before retirement.
	MaxAttempts int
	// PushRate and PushBurst throttle outbound pushes.
	PushRate  float64
	PushBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Minute,
		MaxAttempts: 3,
		PushRate:    20,
		PushBurst:   5,
	}
}

// Manager coordinates sync cycles. It implements suture.Service; the
// service loop owns the periodic and connectivity triggers while
// TriggerSync serves startup and manual requests.
type Manager struct {
	store     Store
	cache     RosterCache
	remote    remote.Client
	monitor   Monitor
	publisher Publisher
	cfg       Config
	limiter   *rate.Limiter

	syncMu sync.Mutex // single-flight guard for cycles

	mu          sync.RWMutex
	lastSync    time.Time // last cycle completion, regardless of outcome
	lastSuccess time.Time // last cycle with a clean pull and no failed pushes
	lastSummary *models.SyncSummary
	onCompleted func(summary models.SyncSummary)
}

// NewManager creates a sync coordinator. publisher may be nil.
func NewManager(store Store, cache RosterCache, remoteClient remote.Client, monitor Monitor, publisher Publisher, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.PushRate <= 0 {
		cfg.PushRate = DefaultConfig().PushRate
	}
	if cfg.PushBurst <= 0 {
		cfg.PushBurst = DefaultConfig().PushBurst
	}

	logging.Info().
		Dur("interval", cfg.Interval).
		Int("max_attempts", cfg.MaxAttempts).
		Float64("push_rate", cfg.PushRate).
		Msg("Sync coordinator config loaded")

	return &Manager{
		store:     store,
		cache:     cache,
		remote:    remoteClient,
		monitor:   monitor,
		publisher: publisher,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.PushRate), cfg.PushBurst),
	}
}

// SetOnCompleted registers a callback invoked after each completed cycle.
func (m *Manager) SetOnCompleted(fn func(summary models.SyncSummary)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompleted = fn
}

// Serve implements suture.Service: attempts one startup cycle, then runs
// the trigger loop until the context ends.
func (m *Manager) Serve(ctx context.Context) error {
	logging.Info().Msg("Sync coordinator started")

	m.triggerAndLog("startup")

	sub := m.monitor.Subscribe()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var lastEpoch uint64

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Sync coordinator stopped")
			return ctx.Err()

		case state := <-sub:
			// Epoch comparison catches coalesced signals: any state with
			// a newer epoch means at least one offline-to-online edge we
			// have not synced for yet.
			if state.Online && state.Epoch > lastEpoch {
				lastEpoch = state.Epoch
				m.triggerAndLog("connectivity")
			}

		case <-ticker.C:
			if m.monitor.State().Online {
				m.triggerAndLog("periodic")
			}
		}
	}
}

func (m *Manager) String() string { return "sync-coordinator" }

// triggerAndLog runs TriggerSync for an internal trigger source, logging
// instead of propagating the benign no-op conditions.
func (m *Manager) triggerAndLog(trigger string) {
	summary, err := m.TriggerSync()
	switch {
	case errors.Is(err, ErrSyncInFlight):
		logging.Debug().Str("trigger", trigger).Msg("Sync already in flight, coalescing")
	case errors.Is(err, ErrNoConnection):
		logging.Debug().Str("trigger", trigger).Msg("Sync skipped, offline")
	case err != nil:
		logging.Warn().Err(err).Str("trigger", trigger).Msg("Sync cycle failed")
	default:
		logging.Info().
			Str("trigger", trigger).
			Int("pushed", summary.Pushed).
			Int("already_exists", summary.AlreadyExists).
			Int("failed", summary.Failed).
			Int("retired", summary.Retired).
			Int("roster_pulled", summary.RosterPulled).
			Dur("duration", summary.Duration).
			Msg("Sync cycle completed")
	}
}

// TriggerSync runs one sync cycle now, regardless of trigger source.
//
// Returns ErrSyncInFlight when a cycle is already running (the caller's
// request is covered by it — coalesced, not queued) and ErrNoConnection
// when the pre-flight check fails. The cycle runs on a detached context:
// once started it always runs to completion, so attempt counters are
// never left half-applied by an impatient caller.
func (m *Manager) TriggerSync() (*models.SyncSummary, error) {
	if !m.syncMu.TryLock() {
		metrics.SyncCycles.WithLabelValues("coalesced").Inc()
		return nil, ErrSyncInFlight
	}
	defer m.syncMu.Unlock()

	if !m.monitor.IsCurrentlyConnected() {
		metrics.SyncCycles.WithLabelValues("no_connection").Inc()
		return nil, ErrNoConnection
	}

	summary := m.runCycle(context.Background())
	return summary, nil
}

// runCycle executes the pull and push phases and records the summary.
// Must be called with syncMu held.
func (m *Manager) runCycle(ctx context.Context) *models.SyncSummary {
	summary := &models.SyncSummary{StartedAt: time.Now().UTC()}

	m.pullPhase(ctx, summary)
	m.pushPhase(ctx, summary)

	summary.Duration = time.Since(summary.StartedAt)

	m.mu.Lock()
	m.lastSync = time.Now().UTC()
	if summary.PullError == "" && summary.Failed == 0 {
		m.lastSuccess = m.lastSync
	}
	m.lastSummary = summary
	callback := m.onCompleted
	m.mu.Unlock()

	metrics.SyncCycles.WithLabelValues("completed").Inc()
	metrics.SyncCycleDuration.Observe(summary.Duration.Seconds())

	if m.publisher != nil {
		if err := m.publisher.PublishSyncCompleted(*summary); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish sync.completed")
		}
	}
	if callback != nil {
		callback(*summary)
	}

	return summary
}

// pullPhase refreshes the roster cache wholesale. Pull and push are
// independent: a pull failure leaves the existing cache untouched and
// the cycle proceeds to the push phase anyway.
func (m *Manager) pullPhase(ctx context.Context, summary *models.SyncSummary) {
	entries, err := m.remote.PullRoster(ctx)
	if err != nil {
		summary.PullError = err.Error()
		metrics.RosterPulls.WithLabelValues("failure").Inc()
		logging.Warn().Err(err).Msg("Roster pull failed, keeping cached roster")
		return
	}

	m.cache.Replace(ctx, entries, time.Now().UTC())
	summary.RosterPulled = len(entries)
	metrics.RosterPulls.WithLabelValues("success").Inc()
}

// pushPhase pushes pending records oldest-first. Per-record failures are
// aggregated into the summary; a local storage failure aborts the phase
// outward since silent data loss is unacceptable.
func (m *Manager) pushPhase(ctx context.Context, summary *models.SyncSummary) {
	records, err := m.store.ListPending(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list pending records")
		summary.Failed++
		return
	}

	for _, rec := range records {
		if err := m.limiter.Wait(ctx); err != nil {
			logging.Warn().Err(err).Msg("Push throttle interrupted, ending push phase")
			return
		}

		if err := m.pushOne(ctx, rec, summary); err != nil {
			// Local storage error: stop pushing rather than risk
			// re-pushing records whose state we could not persist.
			logging.Error().Err(err).Str("id", rec.ID).Msg("Local store error during push phase")
			summary.Failed++
			return
		}
	}
}

// pushOne pushes a single record and applies the outcome. Returns an
// error only for local storage failures; remote failures are absorbed
// into the attempt counter.
func (m *Manager) pushOne(ctx context.Context, rec *models.ScanRecord, summary *models.SyncSummary) error {
	outcome, err := m.remote.PushScan(ctx, rec)
	if err == nil {
		if markErr := m.store.MarkSynced(ctx, rec.ID); markErr != nil {
			return markErr
		}
		switch outcome {
		case remote.PushAlreadyExists:
			// Another device won the server-side duplicate check. The
			// local record stays for audit; the server's copy of the
			// identity fields is left alone (first-scan-wins).
			summary.AlreadyExists++
			metrics.ScansPushed.WithLabelValues("already_exists").Inc()
		default:
			summary.Pushed++
			metrics.ScansPushed.WithLabelValues("accepted").Inc()
		}
		return nil
	}

	summary.Failed++
	metrics.ScansPushed.WithLabelValues("failed").Inc()

	attempts, incErr := m.store.IncrementAttempt(ctx, rec.ID, err.Error())
	if incErr != nil {
		return incErr
	}

	logging.Warn().
		Err(err).
		Str("id", rec.ID).
		Int("attempts", attempts).
		Bool("permanent", remote.IsPermanent(err)).
		Msg("Push failed")

	if attempts >= m.cfg.MaxAttempts {
		if retireErr := m.store.Retire(ctx, rec.ID); retireErr != nil {
			return retireErr
		}
		summary.Retired++
		metrics.ScansPushed.WithLabelValues("retired").Inc()
		logging.Warn().
			Str("id", rec.ID).
			Int("attempts", attempts).
			Msg("Record retired from push queue; kept in local store")
	}

	return nil
}

// LastSyncTime returns the completion time of the last cycle, whatever
// its outcome.
func (m *Manager) LastSyncTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// LastSuccessTime returns the completion time of the last cycle that
// pulled the roster cleanly and pushed without failures. Zero until one
// has happened.
func (m *Manager) LastSuccessTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSuccess
}

// Status reports the sync subsystem state. Always answerable, including
// fully offline: connectivity comes from the monitor's current state
// (no probe) and the counts from the local store.
func (m *Manager) Status(ctx context.Context) (*models.SyncStatus, error) {
	pending, err := m.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	retired, err := m.store.CountRetired(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return &models.SyncStatus{
		IsConnected:     m.monitor.State().Online,
		PendingCount:    pending,
		RetiredCount:    retired,
		LastSyncTime:    m.lastSuccess,
		LastAttemptTime: m.lastSync,
		LastSummary:     m.lastSummary,
	}, nil
}
