// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package engine is the synchronization core: the orchestrator that drives a
// batch through candidate selection, dispatch and acknowledgment tracking,
// the retry manager, and the event feed pushed to observers.
package engine

import "errors"

var (
	// ErrAlreadyRunning is returned by StartBatch (and Retry) while another
	// batch is actively dispatching. Fatal to the request, not to any batch.
	ErrAlreadyRunning = errors.New("a sync batch is already running")

	// ErrNoBatch is returned when an operation references a batch the engine
	// does not hold.
	ErrNoBatch = errors.New("no such batch")

	// ErrNoDeviceOnline is returned by the single-record path when no
	// terminal is reachable.
	ErrNoDeviceOnline = errors.New("no device online")

	// ErrNoFailedRecords is returned by Retry when none of the requested
	// records is currently failed.
	ErrNoFailedRecords = errors.New("no matching failed records")

	// ErrLateReceipt marks a receipt that arrived for an unknown batch or an
	// already-resolved record. The receipt is discarded.
	ErrLateReceipt = errors.New("late or duplicate receipt")
)

// Failure reasons surfaced in UserSyncRecord.Reason and user_feedback
// messages. Device-rejected records carry the device-supplied message
// instead.
const (
	ReasonDeviceOffline    = "device offline"
	ReasonAckTimeout       = "ack timeout"
	ReasonPhotoUnreachable = "photo unreachable"
	ReasonTransportError   = "transport error"
)

// Machine-readable codes carried in user_feedback.code.
const (
	CodeDeviceOffline   = "DEVICE_OFFLINE"
	CodeAckTimeout      = "ACK_TIMEOUT"
	CodePrecheckFailed  = "PRECHECK_UNREACHABLE"
	CodeTransportError  = "DISPATCH_TRANSPORT_ERROR"
	CodeDeviceRejected  = "DEVICE_REJECTED"
	CodeDeviceConfirmed = "OK"
)
