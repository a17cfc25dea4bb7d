// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package engine

import (
	"context"
	"time"

	"github.com/lotushq/fleetsync/internal/models"
)

// Event kinds pushed to observers. The names match the streaming channel's
// message types.
const (
	EventBatchStart    = "batch_start"
	EventProgress      = "progress"
	EventUserFeedback  = "user_feedback"
	EventBatchComplete = "batch_complete"
)

// Broadcaster fans an event out to all connected observers. Implemented by
// the websocket hub; must never block.
type Broadcaster interface {
	Broadcast(messageType string, data any)
}

// EventSink receives every engine event for side channels such as the NATS
// event stream. Optional; errors are logged, never propagated into the
// pipeline.
type EventSink interface {
	Publish(ctx context.Context, kind string, data any) error
}

// BatchStartEvent announces a new batch.
type BatchStartEvent struct {
	BatchID     string             `json:"batchId"`
	Total       int                `json:"total"`
	Strategy    models.Strategy    `json:"strategy"`
	PhotoFormat models.PhotoFormat `json:"photoFormat"`
}

// UserFeedbackEvent reports one resolved record.
type UserFeedbackEvent struct {
	BatchID   string              `json:"batchId"`
	LotusID   string              `json:"lotusId"`
	Name      string              `json:"name"`
	Status    models.RecordStatus `json:"status"`
	Code      string              `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// BatchCompleteEvent closes out a batch.
type BatchCompleteEvent struct {
	BatchID    string `json:"batchId"`
	Total      int    `json:"total"`
	Confirmed  int    `json:"confirmed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	DurationMs int64  `json:"durationMs"`
}

// feedEvent is the internal queue element between the tracker and the
// broadcaster pump.
type feedEvent struct {
	kind string
	data any
}
