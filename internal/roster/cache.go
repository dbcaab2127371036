// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package roster caches the remote identity roster for offline lookup
// and search.
//
// The cache is refreshed wholesale: each successful pull atomically
// replaces the entire in-memory set, so readers never observe a mixed
// old/new state from an interrupted pull. Between pulls, lookups are
// memory-only; while offline the cache serves stale entries indefinitely
// rather than failing, which is the behavior an offline-first scanner
// needs.
package roster

import (
	"context"
	"sync"
	"time"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
	"github.com/rollcallhq/rollcall/internal/models"
)

// Puller fetches the full roster from the remote store.
type Puller interface {
	PullRoster(ctx context.Context) ([]models.RosterEntry, error)
}

// ConnectivityChecker is the pre-flight reachability query.
type ConnectivityChecker interface {
	IsCurrentlyConnected() bool
}

// SnapshotStore persists the roster across restarts. Optional.
type SnapshotStore interface {
	SaveRoster(ctx context.Context, entries []models.RosterEntry, pulledAt time.Time) error
	LoadRoster(ctx context.Context) ([]models.RosterEntry, time.Time, error)
}

// Config holds cache settings.
type Config struct {
	// TTL bounds how long a pull is considered fresh.
	TTL time.Duration
	// SearchLimit caps Search results for UI responsiveness.
	SearchLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, SearchLimit: 25}
}

// Cache is the time-bounded wholesale roster cache. Safe for concurrent
// use; a singleton within the process.
type Cache struct {
	puller    Puller
	checker   ConnectivityChecker
	snapshots SnapshotStore
	cfg       Config

	mu          sync.RWMutex
	byCode      map[string]models.RosterEntry
	entries     []models.RosterEntry
	refreshedAt time.Time

	// refreshMu serializes remote pulls so concurrent expired lookups
	// trigger a single refresh.
	refreshMu sync.Mutex
}

// NewCache creates a roster cache. snapshots may be nil.
func NewCache(puller Puller, checker ConnectivityChecker, snapshots SnapshotStore, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultConfig().SearchLimit
	}
	return &Cache{
		puller:    puller,
		checker:   checker,
		snapshots: snapshots,
		cfg:       cfg,
		byCode:    make(map[string]models.RosterEntry),
	}
}

// LoadSnapshot seeds the cache from the persisted snapshot, so offline
// lookups work immediately after a restart. The snapshot's pull time is
// kept, meaning an old snapshot starts expired and refreshes on the first
// connected lookup.
func (c *Cache) LoadSnapshot(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}

	entries, pulledAt, err := c.snapshots.LoadRoster(ctx)
	if err != nil {
		return err
	}

	c.replace(entries, pulledAt)
	logging.Info().Int("entries", len(entries)).Time("pulled_at", pulledAt).Msg("Roster snapshot loaded")
	return nil
}

// Replace atomically swaps in a freshly pulled roster and persists the
// snapshot. Partial state is never visible: the swap happens under one
// write lock after the full set is materialized.
func (c *Cache) Replace(ctx context.Context, entries []models.RosterEntry, pulledAt time.Time) {
	c.replace(entries, pulledAt)
	metrics.RosterEntries.Set(float64(len(entries)))

	if c.snapshots != nil {
		if err := c.snapshots.SaveRoster(ctx, entries, pulledAt); err != nil {
			logging.Warn().Err(err).Msg("Failed to persist roster snapshot")
		}
	}
}

func (c *Cache) replace(entries []models.RosterEntry, pulledAt time.Time) {
	byCode := make(map[string]models.RosterEntry, len(entries))
	for _, e := range entries {
		byCode[e.IdentityCode] = e
	}

	c.mu.Lock()
	c.byCode = byCode
	c.entries = entries
	c.refreshedAt = pulledAt
	c.mu.Unlock()
}

// LookupCached resolves an identity from memory only. Never touches the
// network; this is the resolution path the ingestion pipeline uses.
func (c *Cache) LookupCached(identityCode string) (models.RosterEntry, bool) {
	c.mu.RLock()
	entry, ok := c.byCode[identityCode]
	c.mu.RUnlock()

	if ok {
		metrics.RosterLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.RosterLookups.WithLabelValues("miss").Inc()
	}
	return entry, ok
}

// Lookup resolves an identity, refreshing the cache first when the TTL
// has expired and the device is currently connected. While offline, or
// while fresh, it behaves exactly like LookupCached.
func (c *Cache) Lookup(ctx context.Context, identityCode string) (models.RosterEntry, bool) {
	if !c.Fresh() && c.checker != nil && c.checker.IsCurrentlyConnected() {
		if err := c.Refresh(ctx); err != nil {
			logging.Warn().Err(err).Msg("Roster refresh on expired lookup failed, serving stale")
		}
	}
	return c.LookupCached(identityCode)
}

// Refresh pulls the full roster and replaces the cache. Concurrent calls
// coalesce: the second caller waits, finds the cache fresh, and returns
// without a second pull.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.Fresh() {
		return nil
	}

	entries, err := c.puller.PullRoster(ctx)
	if err != nil {
		metrics.RosterPulls.WithLabelValues("failure").Inc()
		return err
	}

	c.Replace(ctx, entries, time.Now().UTC())
	metrics.RosterPulls.WithLabelValues("success").Inc()
	logging.Info().Int("entries", len(entries)).Msg("Roster refreshed")
	return nil
}

// Fresh reports whether the last pull is within the TTL.
func (c *Cache) Fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.refreshedAt.IsZero() {
		return false
	}
	return time.Since(c.refreshedAt) < c.cfg.TTL
}

// RefreshedAt returns the time of the last wholesale replacement.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
