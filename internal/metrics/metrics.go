// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package metrics provides Prometheus instrumentation for the rollcall
// agent: ingestion throughput, store durability latency, sync cycle
// outcomes, roster cache efficiency, connectivity transitions, and
// circuit breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	ScansIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_scans_ingested_total",
			Help: "Total number of scans accepted by the ingestion pipeline",
		},
		[]string{"verified"}, // "true" / "false"
	)

	DuplicateScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rollcall_scans_duplicate_total",
			Help: "Total number of scans rejected as duplicates at ingestion time",
		},
	)

	IngestErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rollcall_ingest_errors_total",
			Help: "Total number of ingestion failures (validation or storage)",
		},
	)

	// Store metrics
	StoreWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollcall_store_write_duration_seconds",
			Help:    "Duration of durable scan record writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_scans_pending",
			Help: "Current number of scan records waiting to sync",
		},
	)

	RetiredScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_scans_retired",
			Help: "Current number of scan records retired after exceeding the push attempt bound",
		},
	)

	// Sync metrics
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_sync_cycles_total",
			Help: "Total number of sync cycle attempts by outcome",
		},
		[]string{"outcome"}, // "completed", "no_connection", "coalesced"
	)

	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollcall_sync_cycle_duration_seconds",
			Help:    "Duration of completed sync cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	ScansPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_scans_pushed_total",
			Help: "Total number of per-record push attempts by result",
		},
		[]string{"result"}, // "accepted", "already_exists", "failed", "retired"
	)

	// Roster metrics
	RosterPulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_roster_pulls_total",
			Help: "Total number of wholesale roster pulls by result",
		},
		[]string{"result"}, // "success", "failure"
	)

	RosterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_roster_entries",
			Help: "Current number of cached roster entries",
		},
	)

	RosterLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_roster_lookups_total",
			Help: "Total number of roster lookups by cache result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	// Connectivity metrics
	ConnectivityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_connectivity_online",
			Help: "Whether the agent currently considers itself online (1) or offline (0)",
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_connectivity_transitions_total",
			Help: "Total number of connectivity state transitions by direction",
		},
		[]string{"direction"}, // "online", "offline"
	)

	// Circuit breaker metrics (remote store client)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollcall_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_circuit_breaker_requests_total",
			Help: "Total number of requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)
)

// RecordStoreWrite observes one durable write latency in seconds.
func RecordStoreWrite(seconds float64) {
	StoreWriteDuration.Observe(seconds)
}

// SetQueueDepth updates the pending and retired gauges together.
func SetQueueDepth(pending, retired int) {
	PendingScans.Set(float64(pending))
	RetiredScans.Set(float64(retired))
}
