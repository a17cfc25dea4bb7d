// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package device is the boundary to the check-in terminals. It hides the
// vendor protocol behind the Terminal interface and tracks each terminal's
// externally reported online state in a Registry.
package device

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/models"
)

// Command is one "deliver user record" operation against a terminal.
type Command struct {
	LotusID string              `json:"lotusId"`
	Name    string              `json:"name"`
	Photo   models.PhotoPayload `json:"photo"`
}

// Terminal is the opaque vendor boundary of one check-in terminal. Deliver
// returning nil means "accepted for delivery", not device confirmation; the
// device confirms or rejects asynchronously through a receipt.
type Terminal interface {
	DeviceSN() string
	Online() bool

	// Deliver submits one record to the terminal.
	Deliver(ctx context.Context, cmd Command) error

	// ClearUsers wipes the terminal's user store. Administrative, not part
	// of the batch protocol.
	ClearUsers(ctx context.Context) error
}

// HTTPTerminalConfig configures one HTTP vendor endpoint.
type HTTPTerminalConfig struct {
	DeviceSN string
	BaseURL  string
	Timeout  time.Duration
	// RatePerSecond caps deliver commands; 0 disables limiting.
	RatePerSecond float64
	// ProbeInterval is how often Probe refreshes the online flag when run
	// through RunProbe.
	ProbeInterval time.Duration
}

// HTTPTerminal talks to one terminal over its HTTP vendor endpoint. Commands
// go through a circuit breaker so a dead terminal fails fast instead of
// stalling every dispatch for its full timeout.
type HTTPTerminal struct {
	sn      string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
	online  atomic.Bool

	probeInterval time.Duration
}

// NewHTTPTerminal builds a terminal client. The terminal starts offline
// until the first successful probe.
func NewHTTPTerminal(cfg HTTPTerminalConfig) *HTTPTerminal {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeInterval := cfg.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}

	t := &HTTPTerminal{
		sn:            cfg.DeviceSN,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		client:        &http.Client{Timeout: timeout},
		probeInterval: probeInterval,
	}

	t.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "terminal-" + cfg.DeviceSN,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("terminal circuit breaker state change")
		},
	})

	if cfg.RatePerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return t
}

// DeviceSN returns the terminal serial number.
func (t *HTTPTerminal) DeviceSN() string { return t.sn }

// Online returns the last probed connection state.
func (t *HTTPTerminal) Online() bool { return t.online.Load() }

// SetOnline overrides the online flag. Used by the probe loop and by tests.
func (t *HTTPTerminal) SetOnline(online bool) { t.online.Store(online) }

// Deliver submits a record to the terminal's user endpoint.
func (t *HTTPTerminal) Deliver(ctx context.Context, cmd Command) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	_, err := t.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, t.post(ctx, "/api/users", cmd)
	})
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", t.sn, err)
	}
	return nil
}

// ClearUsers wipes the terminal's user store.
func (t *HTTPTerminal) ClearUsers(ctx context.Context) error {
	_, err := t.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, t.post(ctx, "/api/users/clear", struct{}{})
	})
	if err != nil {
		return fmt.Errorf("clear users on %s: %w", t.sn, err)
	}
	return nil
}

// Probe pings the terminal once and updates the online flag.
func (t *HTTPTerminal) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/ping", nil)
	if err != nil {
		t.online.Store(false)
		return false
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.online.Store(false)
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	ok := resp.StatusCode == http.StatusOK
	t.online.Store(ok)
	return ok
}

// RunProbe refreshes the online flag on the configured interval until the
// context is canceled. Designed to run under the supervisor tree.
func (t *HTTPTerminal) RunProbe(ctx context.Context) error {
	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()

	t.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			was := t.online.Load()
			now := t.Probe(ctx)
			if was != now {
				logging.Info().Str("device_sn", t.sn).Bool("online", now).Msg("terminal connectivity changed")
			}
		}
	}
}

func (t *HTTPTerminal) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("terminal returned status %d", resp.StatusCode)
	}
	return nil
}
