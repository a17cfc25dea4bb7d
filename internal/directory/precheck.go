// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package directory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Prechecker probes whether a record's photo is deliverable before dispatch.
// Records failing the probe are skipped, never sent.
type Prechecker interface {
	CheckPhoto(ctx context.Context, r Record) error
}

// HTTPPrechecker verifies photo reachability with a HEAD request against the
// photo base URL, the same fetch a terminal performs in url mode.
type HTTPPrechecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPrechecker builds a prechecker for the given photo base URL.
func NewHTTPPrechecker(baseURL string, timeout time.Duration) *HTTPPrechecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPrechecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckPhoto returns an error when the record has no photo reference or the
// reference is not reachable.
func (p *HTTPPrechecker) CheckPhoto(ctx context.Context, r Record) error {
	if r.PhotoRef == "" {
		return fmt.Errorf("record %s has no photo", r.LotusID)
	}

	url := p.baseURL + "/" + strings.TrimLeft(r.PhotoRef, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("build photo probe: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("photo unreachable: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("photo probe returned status %d", resp.StatusCode)
	}
	return nil
}
