// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package metrics exposes Prometheus instrumentation for the sync engine:
// batch lifecycle, per-record dispatch and resolution, receipt latency and
// websocket fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batch lifecycle

	BatchesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_batches_started_total",
			Help: "Total number of sync batches started",
		},
		[]string{"strategy", "photo_format"},
	)

	BatchesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_batches_finished_total",
			Help: "Total number of sync batches that reached a final status",
		},
		[]string{"status"}, // completed, cancelled
	)

	ActiveBatch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsync_active_batch",
			Help: "1 while a batch is syncing, 0 otherwise",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetsync_batch_duration_seconds",
			Help:    "Wall-clock duration of finished batches",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Per-record dispatch and resolution

	RecordsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_records_dispatched_total",
			Help: "Total deliver commands accepted by a terminal",
		},
		[]string{"device_sn"},
	)

	RecordsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_records_resolved_total",
			Help: "Total records that reached a terminal state",
		},
		[]string{"status"}, // confirmed, failed, skipped
	)

	ReceiptLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetsync_receipt_latency_seconds",
			Help:    "Time from dispatch to device receipt",
			Buckets: prometheus.DefBuckets,
		},
	)

	LateReceipts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_late_receipts_total",
			Help: "Receipts discarded because the record was not in sent state",
		},
	)

	// Device transport

	DeviceCommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_device_command_errors_total",
			Help: "Deliver command submissions that failed at the transport",
		},
		[]string{"device_sn"},
	)

	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsync_devices_online",
			Help: "Number of terminals currently reported online",
		},
	)

	// WebSocket fan-out

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsync_websocket_clients",
			Help: "Number of connected observer dashboards",
		},
	)

	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_events_broadcast_total",
			Help: "Events pushed to the websocket hub",
		},
		[]string{"type"}, // batch_start, progress, user_feedback, batch_complete
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_events_dropped_total",
			Help: "Events dropped because the broadcast queue was full",
		},
	)
)
