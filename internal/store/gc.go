// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package store

import (
	"context"
	"time"

	"github.com/rollcallhq/rollcall/internal/logging"
)

// GCService periodically runs BadgerDB value-log garbage collection. It
// implements suture.Service and is supervised in the data layer.
type GCService struct {
	store    *Store
	interval time.Duration
	ratio    float64
}

// NewGCService creates a GC service for the given store using the store's
// configured interval and ratio.
func NewGCService(s *Store) *GCService {
	return &GCService{
		store:    s,
		interval: s.config.GCInterval,
		ratio:    s.config.GCRatio,
	}
}

// Serve implements suture.Service. Runs until the context is canceled.
func (g *GCService) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", g.interval).Float64("ratio", g.ratio).Msg("Store GC service started")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Store GC service stopped")
			return ctx.Err()
		case <-ticker.C:
			g.store.RunGC(g.ratio)
		}
	}
}

func (g *GCService) String() string { return "store-gc" }
