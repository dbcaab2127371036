// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/rollcallhq/rollcall/internal/models"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics, preventing unbounded allocation on large error pages.
const maxErrorBodySize = 64 * 1024

// HTTPConfig holds HTTP client settings.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient implements Client against the remote store's REST API.
//
// Endpoints:
//
//	GET  /api/v1/roster  -> {"entries": [RosterEntry...]}
//	POST /api/v1/scans   -> 201 accepted, 409 already exists
//	GET  /healthz        -> 200
//
// A 409 on push is the server-side duplicate check firing: treated as a
// successful no-op, never an error. 4xx responses are permanent
// rejections; everything else (timeouts, 5xx) is transient.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPClient creates a remote store client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type rosterResponse struct {
	Entries []models.RosterEntry `json:"entries"`
}

// PullRoster implements Client.
func (c *HTTPClient) PullRoster(ctx context.Context) ([]models.RosterEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/roster", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull roster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var out rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode roster response: %w", err)
	}
	return out.Entries, nil
}

// PushScan implements Client.
func (c *HTTPClient) PushScan(ctx context.Context, rec *models.ScanRecord) (PushOutcome, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", Permanent(fmt.Errorf("marshal scan record: %w", err))
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("push scan %s: %w", rec.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return PushAccepted, nil
	case resp.StatusCode == http.StatusConflict:
		// Server-side duplicate check: another device (or an earlier
		// retry of this one) already recorded this identity for this
		// event. Success, not an error.
		return PushAlreadyExists, nil
	default:
		return "", classifyStatus(resp)
	}
}

// Probe implements Client.
func (c *HTTPClient) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe remote store: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

// classifyStatus turns a non-success response into a transient or
// permanent error. 4xx (other than 408 and 429) means the request itself
// is unacceptable and retrying cannot help.
func classifyStatus(resp *http.Response) error {
	body := readBodyForError(resp.Body)
	err := &statusError{status: resp.StatusCode, body: string(body)}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// readBodyForError reads at most maxErrorBodySize of a response body for
// error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}
