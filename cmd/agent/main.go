// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package main is the entry point for the rollcall agent.
//
// Rollcall is an offline-tolerant attendance scanning agent. Every scan
// is durably recorded in a local BadgerDB store the moment it happens;
// a background sync coordinator reconciles pending records with the
// remote attendance store whenever connectivity allows. Losing the
// network never loses a scan.
//
// # Application Architecture
//
// The agent initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, ROLLCALL_* env vars (Koanf v2)
//  2. Local store: BadgerDB durable scan queue with crash-safe writes
//  3. Remote client: REST client wrapped in a circuit breaker
//  4. Roster cache: TTL cache seeded from the persisted snapshot
//  5. Connectivity monitor: active probe with epoch-counted transitions
//  6. Sync coordinator: single-flight pull/push cycles
//  7. Event bus: in-process pub/sub for scan and sync events
//  8. Admin API: device-local HTTP surface for scans, status, roster
//
// All long-running components run under a suture supervision tree and
// shut down gracefully on SIGINT/SIGTERM.
//
// # Configuration
//
// Highest priority wins:
//   - Environment variables (ROLLCALL_REMOTE_URL, ROLLCALL_STORE_PATH, ...)
//   - Config file (rollcall.yaml, or ROLLCALL_CONFIG)
//   - Built-in defaults
//
// # Example Usage
//
//	export ROLLCALL_REMOTE_URL=https://attendance.example.edu
//	export ROLLCALL_REMOTE_API_KEY=your-api-key
//	export ROLLCALL_STORE_PATH=/data/rollcall
//	./rollcall-agent
package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rollcallhq/rollcall/internal/api"
	"github.com/rollcallhq/rollcall/internal/config"
	"github.com/rollcallhq/rollcall/internal/connectivity"
	"github.com/rollcallhq/rollcall/internal/events"
	"github.com/rollcallhq/rollcall/internal/ingest"
	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/models"
	"github.com/rollcallhq/rollcall/internal/remote"
	"github.com/rollcallhq/rollcall/internal/roster"
	"github.com/rollcallhq/rollcall/internal/store"
	"github.com/rollcallhq/rollcall/internal/supervisor"
	"github.com/rollcallhq/rollcall/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("Starting rollcall agent")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Agent terminated with error")
	}
	logging.Info().Msg("Agent stopped")
}

func run(cfg *config.Config) error {
	// Local durable store. Opened first: scan recording must work even
	// when everything network-facing is down.
	storeCfg := store.DefaultConfig(cfg.Store.Path)
	storeCfg.SyncWrites = cfg.Store.SyncWrites
	storeCfg.GCInterval = cfg.Store.GCInterval
	storeCfg.GCRatio = cfg.Store.GCRatio
	if cfg.Store.MemTableSize > 0 {
		storeCfg.MemTableSize = cfg.Store.MemTableSize
	}
	if cfg.Store.ValueLogFileSize > 0 {
		storeCfg.ValueLogFileSize = cfg.Store.ValueLogFileSize
	}

	db, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Error closing local store")
		}
	}()

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = db.EnsureDeviceID()
		if err != nil {
			return fmt.Errorf("failed to establish device ID: %w", err)
		}
	}
	logging.Info().Str("device_id", deviceID).Msg("Device identity established")

	// Event bus for in-process notifications.
	bus := events.NewBus()
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Error closing event bus")
		}
	}()

	// Remote client behind a circuit breaker.
	httpClient := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: cfg.Remote.URL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.Timeout,
	})
	remoteClient := remote.NewBreakerClient(httpClient, remote.BreakerConfig{
		MaxRequests: cfg.Remote.BreakerMaxRequests,
		Interval:    cfg.Remote.BreakerInterval,
		Timeout:     cfg.Remote.BreakerTimeout,
	})

	// Connectivity monitor probing the remote health endpoint.
	probe := connectivity.NewHTTPProbe(cfg.ProbeURL(), cfg.Connectivity.ProbeTimeout)
	monitor := connectivity.NewMonitor(probe, nil, connectivity.Config{
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
		PollInterval: cfg.Connectivity.PollInterval,
	})
	monitor.SetOnTransition(func(state models.ConnectivityState) {
		if err := bus.PublishConnectivityChanged(state); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish connectivity.changed")
		}
	})

	// Roster cache, seeded from the snapshot persisted by the last
	// successful pull so lookups work immediately after an offline boot.
	cache := roster.NewCache(remoteClient, monitor, db, roster.Config{
		TTL:         cfg.Roster.TTL,
		SearchLimit: cfg.Roster.SearchLimit,
	})
	ctx := context.Background()
	if err := cache.LoadSnapshot(ctx); err != nil {
		logging.Warn().Err(err).Msg("No roster snapshot loaded, starting with empty cache")
	}

	// Sync coordinator.
	syncManager := syncer.NewManager(db, cache, remoteClient, monitor, bus, syncer.Config{
		Interval:    cfg.Sync.Interval,
		MaxAttempts: cfg.Sync.MaxAttempts,
		PushRate:    cfg.Sync.PushRate,
		PushBurst:   cfg.Sync.PushBurst,
	})

	// Ingestion pipeline. No format validator by default: badge formats
	// vary per deployment, so non-emptiness is the only built-in rule.
	pipeline := ingest.NewPipeline(db, cache, bus, nil, deviceID)

	// Event router keeping queue-depth gauges current.
	routerSvc, err := events.NewRouterService(bus, db)
	if err != nil {
		return fmt.Errorf("failed to build event router: %w", err)
	}

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(store.NewGCService(db))
	tree.AddMessagingService(monitor)
	tree.AddMessagingService(syncManager)
	tree.AddMessagingService(routerSvc)

	if cfg.Server.Enabled {
		handlers := api.NewHandlers(pipeline, syncManager, cache, db, deviceID)
		server := api.NewServer(api.ServerConfig{
			Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			ReadTimeout:     cfg.Server.Timeout,
			WriteTimeout:    cfg.Server.Timeout,
			RateLimitReqs:   cfg.Server.RateLimitReqs,
			RateLimitWindow: cfg.Server.RateLimitWindow,
		}, handlers)
		tree.AddAPIService(server)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(runCtx)

	select {
	case <-runCtx.Done():
		logging.Info().Msg("Shutdown signal received")
		err := <-errCh
		if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
			for _, svc := range report {
				logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
			}
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}
