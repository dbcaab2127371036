// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

// Package connectivity tracks network reachability for the agent.
//
// The monitor is a two-state machine (Offline, Online) driven by
// reachability-capability probes rather than interface state: a captive
// portal or no-internet uplink counts as offline. Each offline-to-online
// edge increments a monotonic epoch counter and is delivered exactly once
// per edge to subscribers; consumers compare epochs to detect transitions
// they have not reacted to yet, which survives signal coalescing.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
	"github.com/rollcallhq/rollcall/internal/models"
)

// Probe confirms actual internet capability. A nil return means the
// remote side is genuinely reachable.
type Probe interface {
	Check(ctx context.Context) error
}

// Notifier is an optional platform change-notification source. When the
// platform cannot provide one (or its channel closes), the monitor falls
// back to polling at Config.PollInterval with equivalent transition
// semantics, just with added latency.
type Notifier interface {
	Changes() <-chan struct{}
}

// Config holds monitor settings.
type Config struct {
	ProbeTimeout time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 3 * time.Second,
		PollInterval: 5 * time.Second,
	}
}

// Monitor observes reachability and exposes both a point-in-time query
// and an edge-triggered subscription stream. It implements
// suture.Service.
type Monitor struct {
	probe    Probe
	notifier Notifier
	cfg      Config

	mu           sync.RWMutex
	state        models.ConnectivityState
	subs         []chan models.ConnectivityState
	onTransition func(models.ConnectivityState)
}

// NewMonitor creates a monitor. notifier may be nil; the monitor then
// relies purely on polling.
func NewMonitor(probe Probe, notifier Notifier, cfg Config) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Monitor{probe: probe, notifier: notifier, cfg: cfg}
}

// SetOnTransition registers a hook invoked on every state transition,
// after subscribers are notified. Call before the monitor starts serving.
func (m *Monitor) SetOnTransition(fn func(models.ConnectivityState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// State returns the current connectivity snapshot without probing.
func (m *Monitor) State() models.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsCurrentlyConnected performs a synchronous point-in-time probe,
// independent of the subscription stream. Used for pre-flight checks
// before starting expensive operations.
func (m *Monitor) IsCurrentlyConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	return m.probe.Check(ctx) == nil
}

// Subscribe returns a channel receiving one ConnectivityState per
// offline-to-online edge. The channel has capacity one; when a consumer
// lags, intermediate states are coalesced and only the latest (highest
// epoch) is kept.
func (m *Monitor) Subscribe() <-chan models.ConnectivityState {
	ch := make(chan models.ConnectivityState, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Serve implements suture.Service. Probes once immediately, then reacts
// to notifier signals and the polling ticker until the context ends.
func (m *Monitor) Serve(ctx context.Context) error {
	logging.Info().
		Dur("poll_interval", m.cfg.PollInterval).
		Bool("notifier", m.notifier != nil).
		Msg("Connectivity monitor started")

	m.checkOnce(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var changes <-chan struct{}
	if m.notifier != nil {
		changes = m.notifier.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Connectivity monitor stopped")
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				// Notification source failed; polling covers us from here.
				logging.Warn().Msg("Connectivity notifier closed, falling back to polling")
				changes = nil
				continue
			}
			m.checkOnce(ctx)
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Monitor) String() string { return "connectivity-monitor" }

// checkOnce probes reachability and applies any state transition.
func (m *Monitor) checkOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	online := m.probe.Check(probeCtx) == nil

	m.mu.Lock()
	prev := m.state
	if online == prev.Online {
		m.mu.Unlock()
		return
	}

	m.state.Online = online
	if online {
		// Offline -> online edge: exactly one epoch increment per edge.
		m.state.Epoch++
	}
	state := m.state
	subs := make([]chan models.ConnectivityState, len(m.subs))
	copy(subs, m.subs)
	hook := m.onTransition
	m.mu.Unlock()

	if online {
		logging.Info().Uint64("epoch", state.Epoch).Msg("Connectivity online")
		metrics.ConnectivityOnline.Set(1)
		metrics.ConnectivityTransitions.WithLabelValues("online").Inc()
		for _, ch := range subs {
			deliverLatest(ch, state)
		}
	} else {
		logging.Warn().Msg("Connectivity offline")
		metrics.ConnectivityOnline.Set(0)
		metrics.ConnectivityTransitions.WithLabelValues("offline").Inc()
	}

	if hook != nil {
		hook(state)
	}
}

// deliverLatest sends without blocking, replacing a stale undelivered
// state so a lagging consumer always sees the newest epoch.
func deliverLatest(ch chan models.ConnectivityState, state models.ConnectivityState) {
	for {
		select {
		case ch <- state:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
