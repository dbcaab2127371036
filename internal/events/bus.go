// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package events provides the agent's in-process event bus, built on
// Watermill's gochannel pub/sub. Ingestion, sync, and connectivity
// publish notifications here; observers (metrics refresh, logging,
// future UI push) subscribe without coupling to the producers.
//
// The bus is strictly in-process: the remote store is an injected client,
// not a broker, and the agent must function with no network at all.
package events

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/rollcallhq/rollcall/internal/models"
)

// Topics.
const (
	TopicScanRecorded        = "scan.recorded"
	TopicSyncCompleted       = "sync.completed"
	TopicConnectivityChanged = "connectivity.changed"
)

// ScanRecorded is published after a scan record is durably appended.
type ScanRecorded struct {
	Record models.ScanRecord `json:"record"`
}

// SyncCompleted is published after every completed sync cycle.
type SyncCompleted struct {
	Summary models.SyncSummary `json:"summary"`
}

// ConnectivityChanged is published on every connectivity transition.
type ConnectivityChanged struct {
	State models.ConnectivityState `json:"state"`
	At    time.Time                `json:"at"`
}

// Bus wraps the gochannel pub/sub with typed publish helpers.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates the in-process bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, NewLoggerAdapter()),
	}
}

// Subscribe returns a message channel for the given topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Subscriber exposes the underlying subscriber for router wiring.
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }

// Close shuts the bus down; pending deliveries are dropped.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// PublishScanRecorded publishes a ScanRecorded event.
func (b *Bus) PublishScanRecorded(rec *models.ScanRecord) error {
	return b.publish(TopicScanRecorded, ScanRecorded{Record: *rec})
}

// PublishSyncCompleted publishes a SyncCompleted event.
func (b *Bus) PublishSyncCompleted(summary models.SyncSummary) error {
	return b.publish(TopicSyncCompleted, SyncCompleted{Summary: summary})
}

// PublishConnectivityChanged publishes a ConnectivityChanged event.
func (b *Bus) PublishConnectivityChanged(state models.ConnectivityState) error {
	return b.publish(TopicConnectivityChanged, ConnectivityChanged{State: state, At: time.Now().UTC()})
}

func (b *Bus) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}
