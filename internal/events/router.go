// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
)

// QueueCounter reports the local queue depth. Implemented by the store.
type QueueCounter interface {
	CountPending(ctx context.Context) (int, error)
	CountRetired(ctx context.Context) (int, error)
}

// RouterService consumes bus events to keep the queue-depth gauges
// current. It implements suture.Service and runs in the messaging layer.
type RouterService struct {
	bus    *Bus
	counts QueueCounter
	router *message.Router
}

// NewRouterService builds the event router with its handlers registered.
func NewRouterService(bus *Bus, counts QueueCounter) (*RouterService, error) {
	router, err := message.NewRouter(message.RouterConfig{}, NewLoggerAdapter())
	if err != nil {
		return nil, err
	}

	s := &RouterService{bus: bus, counts: counts, router: router}

	router.AddNoPublisherHandler(
		"queue-depth-on-scan",
		TopicScanRecorded,
		bus.Subscriber(),
		s.handleScanRecorded,
	)
	router.AddNoPublisherHandler(
		"queue-depth-on-sync",
		TopicSyncCompleted,
		bus.Subscriber(),
		s.handleSyncCompleted,
	)

	return s, nil
}

// Serve implements suture.Service.
func (s *RouterService) Serve(ctx context.Context) error {
	return s.router.Run(ctx)
}

func (s *RouterService) String() string { return "events-router" }

func (s *RouterService) handleScanRecorded(msg *message.Message) error {
	var ev ScanRecorded
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logging.Warn().Err(err).Msg("Malformed scan.recorded event")
		return nil // drop, don't redeliver
	}

	logging.Debug().
		Str("id", ev.Record.ID).
		Str("identity", ev.Record.IdentityCode).
		Bool("verified", ev.Record.Verified).
		Msg("Scan recorded")

	s.refreshQueueDepth(msg.Context())
	return nil
}

func (s *RouterService) handleSyncCompleted(msg *message.Message) error {
	var ev SyncCompleted
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logging.Warn().Err(err).Msg("Malformed sync.completed event")
		return nil
	}

	logging.Debug().
		Int("pushed", ev.Summary.Pushed).
		Int("failed", ev.Summary.Failed).
		Msg("Sync cycle completed")

	s.refreshQueueDepth(msg.Context())
	return nil
}

func (s *RouterService) refreshQueueDepth(ctx context.Context) {
	pending, err := s.counts.CountPending(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to count pending records")
		return
	}
	retired, err := s.counts.CountRetired(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to count retired records")
		return
	}
	metrics.SetQueueDepth(pending, retired)
}
