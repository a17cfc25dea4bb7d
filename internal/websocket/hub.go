// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package websocket fans engine events out to connected operator dashboards
// and ships the reconnecting observer client those dashboards embed.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/metrics"
)

// Message types for the streaming channel.
const (
	MessageTypeBatchStart    = "batch_start"
	MessageTypeProgress      = "progress"
	MessageTypeUserFeedback  = "user_feedback"
	MessageTypeBatchComplete = "batch_complete"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is one streamed event envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SnapshotFunc returns the current full progress snapshot. A freshly
// connected (or reconnected) observer receives it immediately so the server
// stays the single source of truth; clients never diff.
type SnapshotFunc func() any

// Hub maintains the set of active observers and broadcasts messages to them.
// Fan-out is non-blocking: an observer that cannot keep up is dropped rather
// than allowed to stall the sync pipeline.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	snapshot   SnapshotFunc
	mu         sync.RWMutex
}

// NewHub creates a hub. snapshot may be nil when there is no state to replay
// on connect.
func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		snapshot:   snapshot,
	}
}

// Run processes lifecycle events and broadcasts until ctx is canceled.
// Designed for supervised operation: on cancellation all clients are closed
// and ctx.Err() is returned so the supervisor sees a clean stop.
//
// Lifecycle events are drained before broadcasts so client state is always
// consistent when a message fans out.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.register(client)
			continue
		case client := <-h.Unregister:
			h.unregister(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("observer connected")

	// A late or reconnecting observer gets a fresh full snapshot, not a
	// partial diff.
	if h.snapshot != nil {
		select {
		case client.send <- Message{Type: MessageTypeProgress, Data: h.snapshot()}:
		default:
		}
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("observer disconnected")
}

// broadcastToClients sends a message to all observers in client-id order so
// delivery order is reproducible in tests.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			// Send buffer full: the observer is too slow, drop it.
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
		logging.Warn().Int("dropped", len(toRemove)).Msg("dropped slow observers")
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.WebSocketClients.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", len(clients)).
		AnErr("reason", ctx.Err()).
		Msg("websocket hub stopped")
}

// Broadcast queues a message for fan-out to every observer. Non-blocking:
// when the queue is full the message is dropped and counted.
func (h *Hub) Broadcast(messageType string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
		metrics.EventsBroadcast.WithLabelValues(messageType).Inc()
	default:
		metrics.EventsDropped.Inc()
		logging.Warn().Str("message_type", messageType).Msg("broadcast queue full, dropping message")
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
