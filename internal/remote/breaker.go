// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package remote

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rollcallhq/rollcall/internal/logging"
	"github.com/rollcallhq/rollcall/internal/metrics"
	"github.com/rollcallhq/rollcall/internal/models"
)

// BreakerConfig tunes the circuit breaker around the remote store.
type BreakerConfig struct {
	// MaxRequests allowed through in half-open state.
	MaxRequests uint32
	// Interval resets counts while closed.
	Interval time.Duration
	// Timeout before an open circuit transitions to half-open.
	Timeout time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	}
}

// BreakerClient wraps a Client with a circuit breaker so a misbehaving or
// slow remote store cannot stall the agent. Breaker timing uses real time
// (via sony/gobreaker); tests should exercise the wrapped client directly.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerClient wraps client with circuit breaker protection. The
// breaker opens after a 60% failure rate over at least 10 requests.
func NewBreakerClient(client Client, cfg BreakerConfig) *BreakerClient {
	const cbName = "remote-store"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("Remote store circuit breaker opening")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("Remote store circuit breaker transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerClient{inner: client, cb: cb, name: cbName}
}

// execute runs a remote call through the breaker and records metrics.
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

// PullRoster implements Client with breaker protection.
func (b *BreakerClient) PullRoster(ctx context.Context) ([]models.RosterEntry, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.PullRoster(ctx)
	})
	if err != nil {
		return nil, err
	}
	entries, ok := result.([]models.RosterEntry)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected roster result type")
	}
	return entries, nil
}

// PushScan implements Client with breaker protection. Permanent
// rejections count as breaker failures too; a remote store rejecting
// everything is a remote store worth backing off from.
func (b *BreakerClient) PushScan(ctx context.Context, rec *models.ScanRecord) (PushOutcome, error) {
	result, err := b.execute(func() (any, error) {
		outcome, err := b.inner.PushScan(ctx, rec)
		if err != nil {
			return nil, err
		}
		return outcome, nil
	})
	if err != nil {
		return "", err
	}
	outcome, ok := result.(PushOutcome)
	if !ok {
		return "", errors.New("circuit breaker: unexpected push result type")
	}
	return outcome, nil
}

// Probe implements Client with breaker protection.
func (b *BreakerClient) Probe(ctx context.Context) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.Probe(ctx)
	})
	return err
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
