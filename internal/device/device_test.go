// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package device

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

func newTestTerminal(t *testing.T, handler http.Handler) (*HTTPTerminal, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	term := NewHTTPTerminal(HTTPTerminalConfig{
		DeviceSN: "TERM-001",
		BaseURL:  srv.URL,
		Timeout:  2 * time.Second,
	})
	return term, srv
}

func TestDeliverSubmitsCommand(t *testing.T) {
	var got Command
	term, _ := newTestTerminal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode command: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	cmd := Command{LotusID: "L001", Name: "Alice Tan", Photo: models.PhotoURL("http://server/p/1.jpg")}
	if err := term.Deliver(context.Background(), cmd); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if got.LotusID != "L001" || got.Photo.Format != models.PhotoFormatURL {
		t.Errorf("terminal received %+v", got)
	}
}

func TestDeliverTransportError(t *testing.T) {
	term, _ := newTestTerminal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if err := term.Deliver(context.Background(), Command{LotusID: "L001"}); err == nil {
		t.Fatal("Deliver() succeeded against a failing terminal")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	term, _ := newTestTerminal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 8; i++ {
		_ = term.Deliver(context.Background(), Command{LotusID: "L001"})
	}

	// Breaker trips at 5 consecutive failures; later calls must not reach
	// the terminal.
	if n := calls.Load(); n > 5 {
		t.Errorf("terminal received %d calls after breaker should have opened", n)
	}
}

func TestProbeSetsOnline(t *testing.T) {
	term, srv := newTestTerminal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if term.Online() {
		t.Error("terminal should start offline")
	}
	if !term.Probe(context.Background()) {
		t.Fatal("probe against live server failed")
	}
	if !term.Online() {
		t.Error("online flag not set after successful probe")
	}

	srv.Close()
	if term.Probe(context.Background()) {
		t.Error("probe against closed server succeeded")
	}
	if term.Online() {
		t.Error("online flag not cleared after failed probe")
	}
}

func TestRegistryOnlineOrdering(t *testing.T) {
	reg := NewRegistry()

	for _, sn := range []string{"TERM-C", "TERM-A", "TERM-B"} {
		term := NewHTTPTerminal(HTTPTerminalConfig{DeviceSN: sn, BaseURL: "http://unused"})
		term.SetOnline(true)
		reg.Register(term)
	}
	offline := NewHTTPTerminal(HTTPTerminalConfig{DeviceSN: "TERM-D", BaseURL: "http://unused"})
	reg.Register(offline)

	online := reg.Online()
	if len(online) != 3 {
		t.Fatalf("Online() returned %d terminals, want 3", len(online))
	}
	for i, want := range []string{"TERM-A", "TERM-B", "TERM-C"} {
		if online[i].DeviceSN() != want {
			t.Errorf("Online()[%d] = %s, want %s", i, online[i].DeviceSN(), want)
		}
	}

	devices := reg.Devices()
	if len(devices) != 4 {
		t.Fatalf("Devices() returned %d entries, want 4", len(devices))
	}
	if devices[3].DeviceSN != "TERM-D" || devices[3].Online {
		t.Errorf("offline terminal state wrong: %+v", devices[3])
	}
}
