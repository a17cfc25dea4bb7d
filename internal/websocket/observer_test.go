// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestObserverBackoffSchedule(t *testing.T) {
	o := NewObserver(ObserverConfig{URL: "ws://unused"})

	var delays []time.Duration
	for i := 0; i < 7; i++ {
		_, next := o.Backoff()
		delays = append(delays, next)
		o.advanceBackoff()
	}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
	// Delays must be non-decreasing up to the cap.
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("delay decreased: %s -> %s", delays[i-1], delays[i])
		}
	}
}

func TestObserverAbandonsAfterMaxAttempts(t *testing.T) {
	o := NewObserver(ObserverConfig{
		URL:            "ws://127.0.0.1:1", // nothing listens here
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxAttempts:    5,
	})

	err := o.Run(context.Background())
	if !errors.Is(err, ErrTooManyReconnects) {
		t.Fatalf("Run() error = %v, want ErrTooManyReconnects", err)
	}
	attempts, _ := o.Backoff()
	if attempts != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
}

func TestObserverStreamsAndResetsBackoff(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		served.Add(1)
		_ = conn.WriteJSON(Message{Type: MessageTypeProgress, Data: map[string]any{"total": float64(3)}})
		// Keep the connection open briefly, then drop it to force reconnect.
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}))
	defer srv.Close()

	var received atomic.Int32
	o := NewObserver(ObserverConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialBackoff: time.Millisecond,
		MaxAttempts:    5,
		OnMessage: func(msg Message) {
			if msg.Type == MessageTypeProgress {
				received.Add(1)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := o.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	if served.Load() < 2 {
		t.Errorf("server saw %d connections, want at least 2 (reconnect)", served.Load())
	}
	if received.Load() < 2 {
		t.Errorf("observer received %d progress messages, want at least 2", received.Load())
	}

	// Successful connects reset the failure counter.
	attempts, next := o.Backoff()
	if attempts != 0 || next != time.Millisecond {
		t.Errorf("backoff not reset after successful connect: attempts=%d next=%s", attempts, next)
	}
}
