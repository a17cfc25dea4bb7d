// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package models defines the shared domain types for the synchronization
// engine: batches, per-record sync state, device connections and the derived
// progress projection pushed to operator dashboards.
package models

import "time"

// Strategy selects which volunteer records are candidates for a batch.
type Strategy string

const (
	// StrategyAll selects every record in the directory.
	StrategyAll Strategy = "all"
	// StrategyUnsynced selects records never successfully confirmed.
	StrategyUnsynced Strategy = "unsynced"
	// StrategyChanged selects records confirmed previously but modified since.
	StrategyChanged Strategy = "changed"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAll, StrategyUnsynced, StrategyChanged:
		return true
	}
	return false
}

// PhotoFormat is the delivery encoding for a record's photo.
type PhotoFormat string

const (
	// PhotoFormatURL sends an HTTP-fetchable reference. Cheaper, but the
	// terminal must be able to reach the server.
	PhotoFormatURL PhotoFormat = "url"
	// PhotoFormatBase64 inlines the photo bytes. Larger payload, no
	// terminal-side fetch dependency. Used as the retry fallback.
	PhotoFormatBase64 PhotoFormat = "base64"
)

// Valid reports whether f is a known photo format.
func (f PhotoFormat) Valid() bool {
	return f == PhotoFormatURL || f == PhotoFormatBase64
}

// BatchStatus is the lifecycle state of a SyncBatch.
type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchSyncing   BatchStatus = "syncing"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// RecordStatus is the per-record sync state.
//
// Valid transitions:
//
//	pending -> sent -> confirmed
//	pending -> sent -> failed
//	pending -> failed   (no device online)
//	pending -> skipped  (pre-dispatch validation)
//
// confirmed, failed and skipped are terminal for a given attempt.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordSent      RecordStatus = "sent"
	RecordConfirmed RecordStatus = "confirmed"
	RecordFailed    RecordStatus = "failed"
	RecordSkipped   RecordStatus = "skipped"
)

// Terminal reports whether the status is terminal for this attempt.
func (s RecordStatus) Terminal() bool {
	switch s {
	case RecordConfirmed, RecordFailed, RecordSkipped:
		return true
	}
	return false
}

// SyncBatch is one invocation of the synchronization engine covering a fixed
// candidate set. Mutated only by the acknowledgment tracker; immutable once
// status leaves syncing.
type SyncBatch struct {
	BatchID     string      `json:"batchId"`
	Strategy    Strategy    `json:"strategy"`
	PhotoFormat PhotoFormat `json:"photoFormat"`
	Total       int         `json:"total"`
	Status      BatchStatus `json:"status"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`

	// Aggregate counters. Invariant: confirmed+failed+skipped <= sent+skipped <= total.
	Sent      int `json:"sent"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// UserSyncRecord tracks one volunteer record within a batch, keyed by
// (batchId, lotusId).
type UserSyncRecord struct {
	BatchID    string       `json:"batchId"`
	LotusID    string       `json:"lotusId"`
	Name       string       `json:"name"`
	Status     RecordStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Code       string       `json:"code,omitempty"`
	SentAt     *time.Time   `json:"sentAt,omitempty"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// DeviceConnection is the externally reported connection state of one
// check-in terminal. Read-only input to the dispatcher.
type DeviceConnection struct {
	DeviceSN string `json:"deviceSn"`
	Online   bool   `json:"online"`
}

// ProgressSnapshot is the derived, non-persisted projection of the active
// batch. Recomputed on every state change and re-broadcast; never stored.
type ProgressSnapshot struct {
	BatchID     string      `json:"batchId,omitempty"`
	Status      BatchStatus `json:"status"`
	Strategy    Strategy    `json:"strategy,omitempty"`
	PhotoFormat PhotoFormat `json:"photoFormat,omitempty"`
	Total       int         `json:"total"`
	Sent        int         `json:"sent"`
	Confirmed   int         `json:"confirmed"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Percent     float64     `json:"percent"`

	ElapsedSeconds float64 `json:"elapsedSeconds"`
	// EstimatedRemainingSeconds is nil until at least one record resolved.
	EstimatedRemainingSeconds *float64 `json:"estimatedRemainingSeconds"`

	// Logs is a bounded ring of recent human-readable progress lines.
	Logs []string `json:"logs"`

	// FailedUsers lists the currently-failed subset so operators can retry
	// precisely those records.
	FailedUsers []FailedUser `json:"failedUsers,omitempty"`
}

// FailedUser identifies a failed record for retry submission.
type FailedUser struct {
	LotusID string `json:"lotusId"`
	Name    string `json:"name"`
}

// SyncLogEntry is the archived per-record outcome of a completed or
// cancelled batch. Immutable once the batch is archived.
type SyncLogEntry struct {
	LotusID      string       `json:"lotusId"`
	Name         string       `json:"name"`
	Status       RecordStatus `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	SyncedAt     time.Time    `json:"syncedAt"`
}

// BatchSummary is the archived header of a historical batch.
type BatchSummary struct {
	BatchID      string      `json:"batchId"`
	Strategy     Strategy    `json:"strategy"`
	PhotoFormat  PhotoFormat `json:"photoFormat"`
	Status       BatchStatus `json:"status"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	SuccessCount int         `json:"successCount"`
	FailedCount  int         `json:"failedCount"`
	SkippedCount int         `json:"skippedCount"`
	DurationMs   int64       `json:"durationMs"`
}
