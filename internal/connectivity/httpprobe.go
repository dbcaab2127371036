// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoProbeURL is returned by an HTTPProbe constructed without a URL. A
// device with no remote endpoint configured is permanently offline as far
// as sync is concerned.
var ErrNoProbeURL = errors.New("no probe url configured")

// HTTPProbe confirms internet capability by fetching a known endpoint,
// typically the remote store's health check. A connected-but-captive
// network fails the probe because the response status is wrong.
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe against the given URL.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			// Captive portals answer with redirects to their login page;
			// following them would report a false online.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	if p.url == "" {
		return ErrNoProbeURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: unexpected status %d", p.url, resp.StatusCode)
	}
	return nil
}
