// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package config loads and validates the service configuration, layering
// defaults, an optional YAML file and FLEETSYNC_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Sync      SyncConfig      `koanf:"sync"`
	Directory DirectoryConfig `koanf:"directory"`
	History   HistoryConfig   `koanf:"history"`
	Devices   []DeviceConfig  `koanf:"devices"`
	NATS      NATSConfig      `koanf:"nats"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `koanf:"addr"`

	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`

	// CORSAllowedOrigins is empty by default; operator dashboards must be
	// configured explicitly.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SyncConfig configures the batch engine.
type SyncConfig struct {
	// PhotoBaseURL prefixes directory photo references in url mode so the
	// terminal can fetch them.
	PhotoBaseURL string `koanf:"photo_base_url"`

	// AckTimeout is how long a sent record may remain unresolved before the
	// sweeper marks it failed with reason "ack timeout".
	AckTimeout time.Duration `koanf:"ack_timeout"`

	// SweepInterval is how often the ack sweeper scans the active batch.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// ProgressInterval bounds how often coalesced progress events are pushed.
	ProgressInterval time.Duration `koanf:"progress_interval"`

	// LogBuffer is the size of the progress log ring.
	LogBuffer int `koanf:"log_buffer"`

	// PrecheckTimeout bounds each photo reachability probe when a batch is
	// started with validatePhotos.
	PrecheckTimeout time.Duration `koanf:"precheck_timeout"`
}

// DirectoryConfig points at the volunteer directory service the engine
// synchronizes from.
type DirectoryConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// HistoryConfig configures the badger-backed batch history store.
type HistoryConfig struct {
	Path string `koanf:"path"`
	// InMemory runs badger without disk persistence. Test use only.
	InMemory bool `koanf:"in_memory"`
}

// DeviceConfig describes one check-in terminal endpoint.
type DeviceConfig struct {
	DeviceSN string        `koanf:"device_sn"`
	URL      string        `koanf:"url"`
	Timeout  time.Duration `koanf:"timeout"`
	// ProbeInterval is how often the terminal is pinged to refresh its
	// online flag.
	ProbeInterval time.Duration `koanf:"probe_interval"`
	// RatePerSecond caps deliver commands to this terminal.
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// NATSConfig configures the optional event sourcing side channel
// (build tag: nats).
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Topic   string `koanf:"topic"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8085",
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       15 * time.Second,
			IdleTimeout:        60 * time.Second,
			CORSAllowedOrigins: []string{},
			RateLimitRequests:  300,
			RateLimitWindow:    time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sync: SyncConfig{
			PhotoBaseURL:     "",
			AckTimeout:       5 * time.Minute,
			SweepInterval:    15 * time.Second,
			ProgressInterval: 200 * time.Millisecond,
			LogBuffer:        200,
			PrecheckTimeout:  5 * time.Second,
		},
		Directory: DirectoryConfig{
			URL:     "http://127.0.0.1:8080",
			Timeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Path: "/data/fleetsync/history",
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Topic:   "fleetsync.events",
		},
	}
}

// Validate checks the configuration for operator mistakes that would
// otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Sync.AckTimeout <= 0 {
		return fmt.Errorf("sync.ack_timeout must be positive, got %s", c.Sync.AckTimeout)
	}
	if c.Sync.LogBuffer <= 0 {
		return fmt.Errorf("sync.log_buffer must be positive, got %d", c.Sync.LogBuffer)
	}
	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url must not be empty")
	}
	if c.History.Path == "" && !c.History.InMemory {
		return fmt.Errorf("history.path must be set unless history.in_memory is true")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.DeviceSN == "" {
			return fmt.Errorf("devices[%d].device_sn must not be empty", i)
		}
		if seen[d.DeviceSN] {
			return fmt.Errorf("duplicate device_sn %q", d.DeviceSN)
		}
		seen[d.DeviceSN] = true
		if d.URL == "" {
			return fmt.Errorf("devices[%d].url must not be empty", i)
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url must be set when nats.enabled is true")
	}
	return nil
}
