// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package config

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration is complete and internally
// consistent. Struct-tag constraints run first, then the cross-field
// checks the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.validateRemote(); err != nil {
		return err
	}

	return c.validateConnectivity()
}

// validateRemote checks the remote store settings. The remote URL is
// optional (a device can run fully offline and sync later), but when set
// it must be a usable HTTP(S) URL.
func (c *Config) validateRemote() error {
	if c.Remote.URL == "" {
		return nil
	}
	if err := validateHTTPURL(c.Remote.URL, "remote.url"); err != nil {
		return err
	}
	return nil
}

// validateConnectivity checks probe settings. An explicit probe URL must
// be valid; otherwise the remote store URL must exist to derive one from.
func (c *Config) validateConnectivity() error {
	if c.Connectivity.ProbeURL != "" {
		return validateHTTPURL(c.Connectivity.ProbeURL, "connectivity.probe_url")
	}
	return nil
}

// validateHTTPURL verifies a URL is absolute with an http or https scheme.
func validateHTTPURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", field)
	}
	return nil
}

// ProbeURL returns the effective connectivity probe URL: the explicit one
// when configured, otherwise the remote store's health endpoint.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	if c.Remote.URL == "" {
		return ""
	}
	return c.Remote.URL + "/healthz"
}
