// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lotushq/fleetsync/internal/logging"
)

// ErrTooManyReconnects is returned when the observer abandons the stream
// after the configured number of consecutive failed connection attempts.
var ErrTooManyReconnects = errors.New("too many consecutive reconnect failures")

// ObserverConfig configures the reconnecting stream client.
type ObserverConfig struct {
	// URL is the ws:// or wss:// stream endpoint.
	URL string

	// InitialBackoff is the first reconnect delay. Default 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling delay. Default 30s.
	MaxBackoff time.Duration
	// MaxAttempts is the number of consecutive failures before the observer
	// gives up. Default 5.
	MaxAttempts int
	// HeartbeatInterval is how often an idle {type:"ping"} is sent. Default 30s.
	HeartbeatInterval time.Duration

	// OnMessage receives every streamed message.
	OnMessage func(Message)
}

// Observer is the dashboard-side stream client. Reconnect state is an
// explicit {attempts, nextDelay} pair, reset on every successful connect;
// the observer keeps no progress state of its own beyond the last received
// push and re-fetches the snapshot implicitly, since the server replays a
// full snapshot on every (re)connect.
type Observer struct {
	cfg ObserverConfig

	// Reconnect state.
	attempts  int
	nextDelay time.Duration
}

// NewObserver creates an observer for the given stream endpoint.
func NewObserver(cfg ObserverConfig) *Observer {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	o := &Observer{cfg: cfg}
	o.resetBackoff()
	return o
}

// Run connects and streams until ctx is canceled, reconnecting with
// exponential backoff. Returns ErrTooManyReconnects after MaxAttempts
// consecutive failures.
func (o *Observer) Run(ctx context.Context) error {
	for {
		conn, err := o.dial(ctx)
		if err != nil {
			o.attempts++
			if o.attempts >= o.cfg.MaxAttempts {
				logging.Error().Err(err).Int("attempts", o.attempts).Msg("observer abandoning stream")
				return fmt.Errorf("%w after %d attempts: %v", ErrTooManyReconnects, o.attempts, err)
			}

			delay := o.nextDelay
			o.advanceBackoff()
			logging.Warn().
				Err(err).
				Int("attempt", o.attempts).
				Dur("retry_in", delay).
				Msg("observer connect failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		o.resetBackoff()
		err = o.stream(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn().Err(err).Msg("observer stream interrupted, reconnecting")
	}
}

// Backoff returns the current reconnect state for inspection.
func (o *Observer) Backoff() (attempts int, nextDelay time.Duration) {
	return o.attempts, o.nextDelay
}

func (o *Observer) resetBackoff() {
	o.attempts = 0
	o.nextDelay = o.cfg.InitialBackoff
}

func (o *Observer) advanceBackoff() {
	o.nextDelay *= 2
	if o.nextDelay > o.cfg.MaxBackoff {
		o.nextDelay = o.cfg.MaxBackoff
	}
}

func (o *Observer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, o.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", o.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", o.cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, nil
}

// stream reads messages until the connection breaks, sending the idle
// heartbeat alongside.
func (o *Observer) stream(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(o.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type == MessageTypePong {
			continue
		}
		if o.cfg.OnMessage != nil {
			o.cfg.OnMessage(msg)
		}
	}
}
