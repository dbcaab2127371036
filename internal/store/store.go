// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
	"github.com/rollcallhq/rollcall/internal/models"
)

// Store errors.
var (
	ErrStoreClosed    = errors.New("store is closed")
	ErrNilRecord      = errors.New("record is nil")
	ErrEmptyID        = errors.New("record id is empty")
	ErrRecordNotFound = errors.New("scan record not found")
	ErrNoRoster       = errors.New("no roster snapshot stored")
)

// Key prefixes. CapturedAt is encoded big-endian hex in the pending index
// so lexicographic iteration yields oldest-first order.
const (
	prefixScan    = "scan:"
	prefixPending = "pending:"
	prefixDup     = "dup:"
	prefixRetired = "retired:"
	keyDeviceID   = "device:id"
	keyRoster     = "roster:snapshot"
)

// Store is the BadgerDB-backed local durable store for scan records and
// the roster snapshot. It is the only source of truth while offline.
//
// Append persists a record durably before returning. Records are written
// once per physical scan and never deleted by this subsystem; sync
// bookkeeping (MarkSynced, IncrementAttempt, Retire) is the only
// mutation. All methods are safe for concurrent use; BadgerDB
// transactions serialize writes to the same record.
type Store struct {
	db     *badger.DB
	config Config

	totalAppends atomic.Int64
	totalSynced  atomic.Int64
	totalRetired atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Stats contains store counters for monitoring.
type Stats struct {
	TotalAppends int64
	TotalSynced  int64
	TotalRetired int64
	DBSizeBytes  int64
}

// rosterSnapshot is the persisted wholesale roster copy.
type rosterSnapshot struct {
	Entries  []models.RosterEntry `json:"entries"`
	PulledAt time.Time            `json:"pulled_at"`
}

// Open creates or opens the store at the configured path.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	return open(cfg)
}

// OpenForTesting opens a store without configuration validation, so tests
// can use faster intervals than production minimums.
// WARNING: Do not use in production code.
func OpenForTesting(cfg Config) (*Store, error) {
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}
	return open(cfg)
}

func open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{db: db, config: cfg}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Scan store opened")
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Msg("Scan store closed")
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func scanKey(id string) []byte { return []byte(prefixScan + id) }

func pendingKey(capturedAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%016x:%s", prefixPending, uint64(capturedAt), id))
}

// Duplicate-index segments are query-escaped so a ':' inside an event ID
// or identity code cannot bleed into the neighboring segment. Codes carry
// whatever bytes the badge format produces; the key schema must not
// constrain them.
func dupKey(eventID, code, id string) []byte {
	return append(dupPrefix(eventID, code), id...)
}

func dupPrefix(eventID, code string) []byte {
	return []byte(prefixDup + url.QueryEscape(eventID) + ":" + url.QueryEscape(code) + ":")
}

// Append durably persists a new scan record. The record is fsynced before
// Append returns (when SyncWrites is on), so a crash immediately after
// can never lose it. I/O failures surface to the caller; the store never
// silently drops a write.
func (s *Store) Append(ctx context.Context, rec *models.ScanRecord) error {
	start := time.Now()
	defer func() {
		metrics.RecordStoreWrite(time.Since(start).Seconds())
	}()

	if s.isClosed() {
		return ErrStoreClosed
	}
	if rec == nil {
		return ErrNilRecord
	}
	if rec.ID == "" {
		return ErrEmptyID
	}
	if rec.SyncState == "" {
		rec.SyncState = models.SyncPending
	}
	if rec.QueuedAt.IsZero() {
		rec.QueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal scan record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(scanKey(rec.ID)); err == nil {
			return fmt.Errorf("scan record %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check existing record: %w", err)
		}

		if err := txn.Set(scanKey(rec.ID), data); err != nil {
			return fmt.Errorf("set scan record: %w", err)
		}
		if rec.SyncState == models.SyncPending {
			if err := txn.Set(pendingKey(rec.CapturedAt, rec.ID), []byte(rec.ID)); err != nil {
				return fmt.Errorf("set pending index: %w", err)
			}
		}
		if rec.EventID != "" {
			if err := txn.Set(dupKey(rec.EventID, rec.IdentityCode, rec.ID), []byte(rec.ID)); err != nil {
				return fmt.Errorf("set duplicate index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append scan record: %w", err)
	}

	s.totalAppends.Add(1)
	return nil
}

// getRecord fetches and unmarshals a scan record inside a transaction.
func getRecord(txn *badger.Txn, id string) (*models.ScanRecord, error) {
	item, err := txn.Get(scanKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan record: %w", err)
	}

	var rec models.ScanRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal scan record: %w", err)
	}
	return &rec, nil
}

// putRecord serializes and stores a scan record inside a transaction.
func putRecord(txn *badger.Txn, rec *models.ScanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal scan record: %w", err)
	}
	if err := txn.Set(scanKey(rec.ID), data); err != nil {
		return fmt.Errorf("set scan record: %w", err)
	}
	return nil
}

// Get returns a single scan record by id.
func (s *Store) Get(ctx context.Context, id string) (*models.ScanRecord, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var rec *models.ScanRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPending returns all pending, non-retired records ordered by
// CapturedAt ascending. Oldest-first ordering keeps a long-stalled queue
// making forward progress.
//
// Uses a BadgerDB View() snapshot, so the result is a consistent
// point-in-time set even under concurrent appends.
func (s *Store) ListPending(ctx context.Context) ([]*models.ScanRecord, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var records []*models.ScanRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("read pending index: %w", err)
			}

			rec, err := getRecord(txn, id)
			if err != nil {
				logging.Warn().Err(err).Str("id", id).Msg("Pending index points at unreadable record")
				continue
			}
			if rec.SyncState != models.SyncPending || rec.Retired {
				// Stale index entry; skip.
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate pending records: %w", err)
	}
	return records, nil
}

// MarkSynced flips the given records to Synced and drops their pending
// index entries. Marking an already-synced id is a no-op, not an error,
// so a crash-and-restart mid sync cycle can safely replay.
func (s *Store) MarkSynced(ctx context.Context, ids ...string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	for _, id := range ids {
		err := s.db.Update(func(txn *badger.Txn) error {
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			if rec.SyncState == models.SyncSynced {
				return nil // idempotent
			}

			now := time.Now().UTC()
			rec.SyncState = models.SyncSynced
			rec.SyncedAt = &now

			if err := putRecord(txn, rec); err != nil {
				return err
			}
			if err := txn.Delete(pendingKey(rec.CapturedAt, rec.ID)); err != nil {
				return fmt.Errorf("delete pending index: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark synced %s: %w", id, err)
		}
		s.totalSynced.Add(1)
	}
	return nil
}

// FindByIdentityAndEvent returns every scan record (synced or pending)
// for the given identity and event. Backed by the dup: index so the
// duplicate guard stays cheap on the ingestion hot path.
func (s *Store) FindByIdentityAndEvent(ctx context.Context, identityCode, eventID string) ([]*models.ScanRecord, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if identityCode == "" || eventID == "" {
		return nil, nil
	}

	var records []*models.ScanRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := dupPrefix(eventID, identityCode)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("read duplicate index: %w", err)
			}

			rec, err := getRecord(txn, id)
			if err != nil {
				logging.Warn().Err(err).Str("id", id).Msg("Duplicate index points at unreadable record")
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find by identity and event: %w", err)
	}
	return records, nil
}

// IncrementAttempt records a failed push attempt against a pending record
// and returns the new attempt count.
func (s *Store) IncrementAttempt(ctx context.Context, id, lastError string) (int, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	var attempts int
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Attempts++
		rec.LastError = lastError
		attempts = rec.Attempts
		return putRecord(txn, rec)
	})
	if err != nil {
		return 0, fmt.Errorf("increment attempt %s: %w", id, err)
	}
	return attempts, nil
}

// Retire moves a record out of the pending set after its attempt bound is
// exceeded. The record itself is kept permanently (export and audit still
// see it); only future push attempts stop.
func (s *Store) Retire(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.Retired {
			return nil // idempotent
		}
		rec.Retired = true

		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Delete(pendingKey(rec.CapturedAt, rec.ID)); err != nil {
			return fmt.Errorf("delete pending index: %w", err)
		}
		if err := txn.Set([]byte(prefixRetired+rec.ID), []byte(rec.ID)); err != nil {
			return fmt.Errorf("set retired marker: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("retire %s: %w", id, err)
	}

	s.totalRetired.Add(1)
	return nil
}

// ListAll returns every stored scan record, for export consumers. Order
// is by record id; export formatting is the caller's concern.
func (s *Store) ListAll(ctx context.Context) ([]*models.ScanRecord, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var records []*models.ScanRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixScan)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec models.ScanRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Failed to unmarshal scan record")
				continue
			}
			r := rec
			records = append(records, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate scan records: %w", err)
	}
	return records, nil
}

// CountPending returns the number of records waiting to sync. Key-only
// iteration keeps this cheap enough for status polling.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	return s.countPrefix(ctx, prefixPending)
}

// CountRetired returns the number of retired records.
func (s *Store) CountRetired(ctx context.Context) (int, error) {
	return s.countPrefix(ctx, prefixRetired)
}

func (s *Store) countPrefix(ctx context.Context, prefix string) (int, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s keys: %w", prefix, err)
	}
	return count, nil
}

// SaveRoster persists the wholesale roster snapshot so offline lookups
// survive a restart that happens before the first successful pull.
func (s *Store) SaveRoster(ctx context.Context, entries []models.RosterEntry, pulledAt time.Time) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	data, err := json.Marshal(rosterSnapshot{Entries: entries, PulledAt: pulledAt})
	if err != nil {
		return fmt.Errorf("marshal roster snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyRoster), data)
	})
	if err != nil {
		return fmt.Errorf("save roster snapshot: %w", err)
	}
	return nil
}

// LoadRoster returns the persisted roster snapshot, or ErrNoRoster when
// none has been stored yet.
func (s *Store) LoadRoster(ctx context.Context) ([]models.RosterEntry, time.Time, error) {
	if s.isClosed() {
		return nil, time.Time{}, ErrStoreClosed
	}

	var snap rosterSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyRoster))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoRoster
		}
		if err != nil {
			return fmt.Errorf("get roster snapshot: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return snap.Entries, snap.PulledAt, nil
}

// EnsureDeviceID returns the persisted device identifier, generating and
// storing one on first use so the id is stable across restarts.
func (s *Store) EnsureDeviceID() (string, error) {
	if s.isClosed() {
		return "", ErrStoreClosed
	}

	var id string
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyDeviceID))
		if err == nil {
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get device id: %w", err)
		}

		id = uuid.New().String()
		return txn.Set([]byte(keyDeviceID), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("ensure device id: %w", err)
	}
	return id, nil
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	lsm, vlog := s.db.Size()
	return Stats{
		TotalAppends: s.totalAppends.Load(),
		TotalSynced:  s.totalSynced.Load(),
		TotalRetired: s.totalRetired.Load(),
		DBSizeBytes:  lsm + vlog,
	}
}

// RunGC runs one round of BadgerDB value-log garbage collection,
// repeating while rewrites happen. Safe to call while the store serves
// traffic.
func (s *Store) RunGC(ratio float64) {
	if s.isClosed() {
		return
	}
	for {
		if err := s.db.RunValueLogGC(ratio); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("Value log GC failed")
			}
			return
		}
	}
}
