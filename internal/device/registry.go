// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package device

import (
	"sort"
	"sync"

	"github.com/lotushq/fleetsync/internal/metrics"
	"github.com/lotushq/fleetsync/internal/models"
)

// Registry holds the known terminals. Online state is owned by each
// terminal's probe; the registry only reads it.
type Registry struct {
	mu        sync.RWMutex
	terminals map[string]Terminal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{terminals: make(map[string]Terminal)}
}

// Register adds or replaces a terminal.
func (r *Registry) Register(t Terminal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals[t.DeviceSN()] = t
}

// Online returns the currently online terminals, ordered by serial number
// for deterministic dispatch.
func (r *Registry) Online() []Terminal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		if t.Online() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceSN() < out[j].DeviceSN() })

	metrics.DevicesOnline.Set(float64(len(out)))
	return out
}

// Devices returns the connection state of every known terminal.
func (r *Registry) Devices() []models.DeviceConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceConnection, 0, len(r.terminals))
	for _, t := range r.terminals {
		out = append(out, models.DeviceConnection{DeviceSN: t.DeviceSN(), Online: t.Online()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceSN < out[j].DeviceSN })
	return out
}
