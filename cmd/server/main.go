// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package main is the entry point for the fleetsync server.
//
// Fleetsync pushes volunteer records with photos to networked face
// recognition check-in terminals, tracks asynchronous per-record delivery
// receipts, supports partial retries with base64 fallback encoding, streams
// live progress over websocket and keeps a durable batch history.
//
// The server initializes components in the following order:
//
//  1. Configuration: koanf layering of defaults, YAML file and FLEETSYNC_*
//     environment variables
//  2. History store: badger-backed batch archive
//  3. Device registry: one supervised HTTP client per configured terminal
//  4. Sync engine: batch orchestrator, receipt tracker and ack sweeper
//  5. WebSocket hub: live progress fan-out to operator dashboards
//  6. NATS publisher (optional, -tags nats): event side channel
//  7. HTTP server: control API under /api/v1
//
// All long-lived goroutines run under a suture supervisor tree. Graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lotushq/fleetsync/internal/api"
	"github.com/lotushq/fleetsync/internal/config"
	"github.com/lotushq/fleetsync/internal/device"
	"github.com/lotushq/fleetsync/internal/directory"
	"github.com/lotushq/fleetsync/internal/engine"
	"github.com/lotushq/fleetsync/internal/events"
	"github.com/lotushq/fleetsync/internal/history"
	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/supervisor"
	"github.com/lotushq/fleetsync/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr).
		Int("devices", len(cfg.Devices)).
		Msg("fleetsync starting")

	store, err := history.Open(history.Options{
		Path:     cfg.History.Path,
		InMemory: cfg.History.InMemory,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open history store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("history store close failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})

	// One supervised probe loop per configured terminal keeps the online
	// flags fresh.
	registry := device.NewRegistry()
	for _, d := range cfg.Devices {
		terminal := device.NewHTTPTerminal(device.HTTPTerminalConfig{
			DeviceSN:      d.DeviceSN,
			BaseURL:       d.URL,
			Timeout:       d.Timeout,
			ProbeInterval: d.ProbeInterval,
			RatePerSecond: d.RatePerSecond,
		})
		registry.Register(terminal)
		tree.AddMessagingService(supervisor.RunFunc{
			Name: "probe-" + d.DeviceSN,
			Run:  terminal.RunProbe,
		})
		logging.Info().Str("device_sn", d.DeviceSN).Str("url", d.URL).Msg("terminal registered")
	}

	source := directory.NewHTTPSource(directory.HTTPSourceConfig{
		BaseURL: cfg.Directory.URL,
		Timeout: cfg.Directory.Timeout,
	})
	prechecker := directory.NewHTTPPrechecker(cfg.Sync.PhotoBaseURL, cfg.Sync.PrecheckTimeout)

	eng := engine.New(engine.Config{
		PhotoBaseURL:     cfg.Sync.PhotoBaseURL,
		AckTimeout:       cfg.Sync.AckTimeout,
		SweepInterval:    cfg.Sync.SweepInterval,
		ProgressInterval: cfg.Sync.ProgressInterval,
		LogBuffer:        cfg.Sync.LogBuffer,
	}, source, registry, store, prechecker)

	if cfg.NATS.Enabled {
		publisher, err := events.NewPublisher(events.Config{
			URL:   cfg.NATS.URL,
			Topic: cfg.NATS.Topic,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("nats disabled, continuing without event sink")
		} else {
			eng.SetEventSink(publisher)
			defer publisher.Close() //nolint:errcheck // best-effort cleanup
			logging.Info().Str("url", cfg.NATS.URL).Str("topic", cfg.NATS.Topic).Msg("nats event sink enabled")
		}
	}

	hub := websocket.NewHub(func() any { return eng.Progress() })
	tree.AddMessagingService(supervisor.RunFunc{Name: "websocket-hub", Run: hub.Run})
	tree.AddMessagingService(supervisor.RunFunc{
		Name: "event-feed",
		Run:  func(ctx context.Context) error { return eng.RunFeed(ctx, hub) },
	})
	tree.AddMessagingService(supervisor.RunFunc{Name: "ack-sweeper", Run: eng.RunSweeper})

	handler := api.NewHandler(eng, store, registry, hub, cfg.Server.CORSAllowedOrigins)
	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		RateLimitRequests:  cfg.Server.RateLimitRequests,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	}, handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	logging.Info().Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	logging.Info().Msg("fleetsync stopped")
}
