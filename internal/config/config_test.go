// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Addr != ":8085" {
		t.Errorf("default server addr = %q, want :8085", cfg.Server.Addr)
	}
	if cfg.Sync.AckTimeout != 5*time.Minute {
		t.Errorf("default ack timeout = %s, want 5m", cfg.Sync.AckTimeout)
	}
	if cfg.Sync.LogBuffer != 200 {
		t.Errorf("default log buffer = %d, want 200", cfg.Sync.LogBuffer)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS should be disabled by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9090"
sync:
  ack_timeout: 2m
devices:
  - device_sn: "TERM-001"
    url: "http://10.0.0.5:8090"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Sync.AckTimeout != 2*time.Minute {
		t.Errorf("ack timeout = %s, want 2m", cfg.Sync.AckTimeout)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].DeviceSN != "TERM-001" {
		t.Errorf("devices = %+v, want one TERM-001", cfg.Devices)
	}
	// File overrides must not clobber untouched defaults.
	if cfg.Sync.LogBuffer != 200 {
		t.Errorf("log buffer = %d, want default 200", cfg.Sync.LogBuffer)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEETSYNC_SERVER_ADDR", ":7070")
	t.Setenv("FLEETSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"FLEETSYNC_SERVER_ADDR", "server.addr"},
		{"FLEETSYNC_SYNC_ACK_TIMEOUT", "sync.ack_timeout"},
		{"FLEETSYNC_NATS_URL", "nats.url"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, true},
		{"zero ack timeout", func(c *Config) { c.Sync.AckTimeout = 0 }, true},
		{"zero log buffer", func(c *Config) { c.Sync.LogBuffer = 0 }, true},
		{"empty directory url", func(c *Config) { c.Directory.URL = "" }, true},
		{"empty history path", func(c *Config) { c.History.Path = "" }, true},
		{"in-memory history without path", func(c *Config) {
			c.History.Path = ""
			c.History.InMemory = true
		}, false},
		{"device without sn", func(c *Config) {
			c.Devices = []DeviceConfig{{URL: "http://x"}}
		}, true},
		{"duplicate device sn", func(c *Config) {
			c.Devices = []DeviceConfig{
				{DeviceSN: "A", URL: "http://x"},
				{DeviceSN: "A", URL: "http://y"},
			}
		}, true},
		{"nats enabled without url", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.URL = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
