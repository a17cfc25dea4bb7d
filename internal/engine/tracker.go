// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package engine

import (
	"sync"
	"time"

	"github.com/lotushq/fleetsync/internal/directory"
	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/metrics"
	"github.com/lotushq/fleetsync/internal/models"
)

// recordEntry is the tracker's working state for one record: the public sync
// record plus the directory snapshot and the photo encoding chosen for this
// attempt (retries may switch it per record).
type recordEntry struct {
	rec     models.UserSyncRecord
	dir     directory.Record
	format  models.PhotoFormat
	lastErr string
}

// tracker owns the per-record and per-batch state machines. Single-writer
// discipline: one mutex guards the batch, the records map and the log ring;
// receipts and dispatch results may arrive from any goroutine.
type tracker struct {
	mu      sync.Mutex
	batch   models.SyncBatch
	entries map[string]*recordEntry
	order   []string
	logs    *ring

	// emit queues an event for the broadcaster pump; must not block.
	emit func(kind string, data any)
	// archive persists the finished batch. Invoked off the lock.
	archive func(models.BatchSummary, []models.SyncLogEntry)
}

func newTracker(batch models.SyncBatch, candidates []directory.Record, logSize int,
	emit func(string, any), archive func(models.BatchSummary, []models.SyncLogEntry)) *tracker {

	t := &tracker{
		batch:   batch,
		entries: make(map[string]*recordEntry, len(candidates)),
		order:   make([]string, 0, len(candidates)),
		logs:    newRing(logSize),
		emit:    emit,
		archive: archive,
	}
	for _, c := range candidates {
		t.entries[c.LotusID] = &recordEntry{
			rec: models.UserSyncRecord{
				BatchID: batch.BatchID,
				LotusID: c.LotusID,
				Name:    c.Name,
				Status:  models.RecordPending,
			},
			dir:    c,
			format: batch.PhotoFormat,
		}
		t.order = append(t.order, c.LotusID)
	}
	t.logs.addf("batch %s started: %d candidates (%s, %s)",
		batch.BatchID, batch.Total, batch.Strategy, batch.PhotoFormat)
	return t
}

func (t *tracker) status() models.BatchStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch.Status
}

func (t *tracker) batchID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch.BatchID
}

// batchView returns a copy of the batch header.
func (t *tracker) batchView() models.SyncBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch
}

// poke re-runs completion detection. Needed for batches whose candidate set
// resolves without any record ever transitioning (an empty selection).
func (t *tracker) poke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeIfResolved()
}

// syncing reports whether counters are still live.
func (t *tracker) syncing() bool {
	return t.batch.Status == models.BatchSyncing
}

// markSkipped resolves a pending record without dispatch (pre-validation
// failure).
func (t *tracker) markSkipped(lotusID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[lotusID]
	if !ok || !t.syncing() || e.rec.Status != models.RecordPending {
		return
	}

	now := time.Now()
	e.rec.Status = models.RecordSkipped
	e.rec.Reason = reason
	e.rec.Code = CodePrecheckFailed
	e.rec.ResolvedAt = &now
	t.batch.Skipped++
	t.logs.addf("skipped %s (%s): %s", e.rec.Name, lotusID, reason)
	metrics.RecordsResolved.WithLabelValues(string(models.RecordSkipped)).Inc()

	t.emitFeedback(e)
	t.emit(EventProgress, nil)
	t.completeIfResolved()
}

// markSent flips a pending record to sent on first accepted submission.
// Idempotent across devices: only the first call mutates state.
func (t *tracker) markSent(lotusID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[lotusID]
	if !ok || !t.syncing() || e.rec.Status != models.RecordPending {
		return false
	}

	now := time.Now()
	e.rec.Status = models.RecordSent
	e.rec.SentAt = &now
	t.batch.Sent++
	t.emit(EventProgress, nil)
	return true
}

// noteDeliveryError remembers the last transport error for a record so
// failUndelivered can surface it.
func (t *tracker) noteDeliveryError(lotusID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[lotusID]; ok {
		e.lastErr = msg
	}
}

// markFailed resolves a record as failed from pending (device offline,
// transport) or sent (ack timeout).
func (t *tracker) markFailed(lotusID, reason, code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(lotusID, reason, code)
}

func (t *tracker) failLocked(lotusID, reason, code string) {
	e, ok := t.entries[lotusID]
	if !ok || !t.syncing() {
		return
	}
	if e.rec.Status != models.RecordPending && e.rec.Status != models.RecordSent {
		return
	}

	now := time.Now()
	e.rec.Status = models.RecordFailed
	e.rec.Reason = reason
	e.rec.Code = code
	e.rec.ResolvedAt = &now
	t.batch.Failed++
	t.logs.addf("failed %s (%s): %s", e.rec.Name, lotusID, reason)
	metrics.RecordsResolved.WithLabelValues(string(models.RecordFailed)).Inc()

	t.emitFeedback(e)
	t.emit(EventProgress, nil)
	t.completeIfResolved()
}

// failUndelivered resolves records that stayed pending after every online
// device was tried.
func (t *tracker) failUndelivered(lotusIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range lotusIDs {
		e, ok := t.entries[id]
		if !ok || e.rec.Status != models.RecordPending {
			continue
		}
		reason := ReasonTransportError
		if e.lastErr != "" {
			reason = e.lastErr
		}
		t.failLocked(id, reason, CodeTransportError)
	}
}

// receipt reconciles an asynchronous device receipt with a sent record.
// Returns false for a receipt it discarded: the record is unknown or not in
// sent state (a duplicate, or the record already resolved through
// cancellation or an ack-timeout sweep).
func (t *tracker) receipt(lotusID string, ok bool, code, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.entries[lotusID]
	if !found || e.rec.Status != models.RecordSent {
		metrics.LateReceipts.Inc()
		logging.Warn().
			Str("batch_id", t.batch.BatchID).
			Str("lotus_id", lotusID).
			Bool("ok", ok).
			Msg("discarding late or duplicate receipt")
		return false
	}

	now := time.Now()
	if e.rec.SentAt != nil {
		metrics.ReceiptLatency.Observe(now.Sub(*e.rec.SentAt).Seconds())
	}

	// Cancelled batches still resolve their in-flight records, but the
	// frozen counters are left untouched.
	live := t.syncing()

	if ok {
		e.rec.Status = models.RecordConfirmed
		e.rec.Code = CodeDeviceConfirmed
		e.rec.ResolvedAt = &now
		if live {
			t.batch.Confirmed++
		}
		t.logs.addf("confirmed %s (%s)", e.rec.Name, lotusID)
		metrics.RecordsResolved.WithLabelValues(string(models.RecordConfirmed)).Inc()
	} else {
		e.rec.Status = models.RecordFailed
		e.rec.Reason = message
		if e.rec.Reason == "" {
			e.rec.Reason = "rejected by device"
		}
		e.rec.Code = code
		if e.rec.Code == "" {
			e.rec.Code = CodeDeviceRejected
		}
		e.rec.ResolvedAt = &now
		if live {
			t.batch.Failed++
		}
		t.logs.addf("rejected %s (%s): %s [%s]", e.rec.Name, lotusID, e.rec.Reason, e.rec.Code)
		metrics.RecordsResolved.WithLabelValues(string(models.RecordFailed)).Inc()
	}

	t.emitFeedback(e)
	if live {
		t.emit(EventProgress, nil)
		t.completeIfResolved()
	}
	return true
}

// sweepStale fails sent records whose receipt never arrived within the ack
// timeout. Returns how many records were swept.
func (t *tracker) sweepStale(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.syncing() {
		return 0
	}

	cutoff := time.Now().Add(-timeout)
	swept := 0
	for _, id := range t.order {
		e := t.entries[id]
		if e.rec.Status == models.RecordSent && e.rec.SentAt != nil && e.rec.SentAt.Before(cutoff) {
			t.failLocked(id, ReasonAckTimeout, CodeAckTimeout)
			swept++
		}
	}
	return swept
}

// resetForRetry flips the targeted failed records back to pending for
// re-dispatch, optionally switching their photo encoding. Records not
// currently failed are no-ops. Returns the lotusIds actually reset.
func (t *tracker) resetForRetry(users []models.FailedUser, format *models.PhotoFormat) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	reset := make([]string, 0, len(users))
	for _, u := range users {
		e, ok := t.entries[u.LotusID]
		if !ok || e.rec.Status != models.RecordFailed {
			continue
		}
		e.rec.Status = models.RecordPending
		e.rec.Reason = ""
		e.rec.Code = ""
		e.rec.SentAt = nil
		e.rec.ResolvedAt = nil
		e.lastErr = ""
		if format != nil {
			e.format = *format
		}
		reset = append(reset, u.LotusID)
	}
	if len(reset) == 0 {
		return nil
	}

	// Reopen the batch for the retried subset and rebuild counters from the
	// records so they match the record states again.
	t.batch.Status = models.BatchSyncing
	t.batch.CompletedAt = nil
	t.recountLocked()
	t.logs.addf("retrying %d failed records", len(reset))
	metrics.ActiveBatch.Set(1)
	t.emit(EventProgress, nil)
	return reset
}

func (t *tracker) recountLocked() {
	var sent, confirmed, failed, skipped int
	for _, e := range t.entries {
		switch e.rec.Status {
		case models.RecordSent:
			sent++
		case models.RecordConfirmed:
			sent++
			confirmed++
		case models.RecordFailed:
			failed++
			if e.rec.SentAt != nil {
				sent++
			}
		case models.RecordSkipped:
			skipped++
		}
	}
	t.batch.Sent = sent
	t.batch.Confirmed = confirmed
	t.batch.Failed = failed
	t.batch.Skipped = skipped
}

// cancel freezes the batch. Already-sent records keep resolving through
// receipts; nothing new is dispatched.
func (t *tracker) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.syncing() {
		return
	}
	t.batch.Status = models.BatchCancelled
	now := time.Now()
	t.batch.CompletedAt = &now
	t.logs.addf("batch %s cancelled", t.batch.BatchID)
	t.finishLocked()
}

// completeIfResolved finishes the batch once every record is terminal.
// Caller holds the lock.
func (t *tracker) completeIfResolved() {
	if !t.syncing() {
		return
	}
	for _, e := range t.entries {
		if !e.rec.Status.Terminal() {
			return
		}
	}

	t.batch.Status = models.BatchCompleted
	now := time.Now()
	t.batch.CompletedAt = &now
	t.logs.addf("batch %s completed: %d confirmed, %d failed, %d skipped",
		t.batch.BatchID, t.batch.Confirmed, t.batch.Failed, t.batch.Skipped)
	t.finishLocked()
}

// finishLocked freezes counters, emits batch_complete and hands the batch to
// the history store. Caller holds the lock and has set the final status.
func (t *tracker) finishLocked() {
	duration := t.batch.CompletedAt.Sub(t.batch.StartedAt)

	metrics.ActiveBatch.Set(0)
	metrics.BatchesFinished.WithLabelValues(string(t.batch.Status)).Inc()
	metrics.BatchDuration.Observe(duration.Seconds())

	t.emit(EventBatchComplete, BatchCompleteEvent{
		BatchID:    t.batch.BatchID,
		Total:      t.batch.Total,
		Confirmed:  t.batch.Confirmed,
		Failed:     t.batch.Failed,
		Skipped:    t.batch.Skipped,
		DurationMs: duration.Milliseconds(),
	})
	t.emit(EventProgress, nil)

	summary, logs := t.archiveViewLocked()
	go t.archive(summary, logs)
}

// archiveViewLocked builds the immutable history view of the batch.
func (t *tracker) archiveViewLocked() (models.BatchSummary, []models.SyncLogEntry) {
	summary := models.BatchSummary{
		BatchID:      t.batch.BatchID,
		Strategy:     t.batch.Strategy,
		PhotoFormat:  t.batch.PhotoFormat,
		Status:       t.batch.Status,
		StartedAt:    t.batch.StartedAt,
		CompletedAt:  t.batch.CompletedAt,
		SuccessCount: t.batch.Confirmed,
		FailedCount:  t.batch.Failed,
		SkippedCount: t.batch.Skipped,
	}
	if t.batch.CompletedAt != nil {
		summary.DurationMs = t.batch.CompletedAt.Sub(t.batch.StartedAt).Milliseconds()
	}

	logs := make([]models.SyncLogEntry, 0, len(t.order))
	for _, id := range t.order {
		e := t.entries[id]
		entry := models.SyncLogEntry{
			LotusID:      e.rec.LotusID,
			Name:         e.rec.Name,
			Status:       e.rec.Status,
			ErrorMessage: e.rec.Reason,
		}
		if e.rec.ResolvedAt != nil {
			entry.SyncedAt = *e.rec.ResolvedAt
		} else if e.rec.SentAt != nil {
			entry.SyncedAt = *e.rec.SentAt
		} else {
			entry.SyncedAt = t.batch.StartedAt
		}
		logs = append(logs, entry)
	}
	return summary, logs
}

// emitFeedback publishes a user_feedback event for a resolved record.
// Caller holds the lock.
func (t *tracker) emitFeedback(e *recordEntry) {
	t.emit(EventUserFeedback, UserFeedbackEvent{
		BatchID:   t.batch.BatchID,
		LotusID:   e.rec.LotusID,
		Name:      e.rec.Name,
		Status:    e.rec.Status,
		Code:      e.rec.Code,
		Message:   e.rec.Reason,
		Timestamp: time.Now(),
	})
}

// dispatchEntry is the dispatcher's read-only view of one record.
type dispatchEntry struct {
	lotusID string
	name    string
	dir     directory.Record
	format  models.PhotoFormat
}

// dispatchView returns the current dispatch view for the given ids,
// filtering out records that already left pending.
func (t *tracker) dispatchView(lotusIDs []string) []dispatchEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]dispatchEntry, 0, len(lotusIDs))
	for _, id := range lotusIDs {
		e, ok := t.entries[id]
		if !ok || e.rec.Status != models.RecordPending {
			continue
		}
		out = append(out, dispatchEntry{lotusID: id, name: e.rec.Name, dir: e.dir, format: e.format})
	}
	return out
}

// record returns a copy of one record's public state.
func (t *tracker) record(lotusID string) (models.UserSyncRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[lotusID]
	if !ok {
		return models.UserSyncRecord{}, false
	}
	return e.rec, true
}

// snapshot computes the derived progress projection.
func (t *tracker) snapshot() models.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	resolved := t.batch.Confirmed + t.batch.Failed + t.batch.Skipped
	snap := models.ProgressSnapshot{
		BatchID:     t.batch.BatchID,
		Status:      t.batch.Status,
		Strategy:    t.batch.Strategy,
		PhotoFormat: t.batch.PhotoFormat,
		Total:       t.batch.Total,
		Sent:        t.batch.Sent,
		Confirmed:   t.batch.Confirmed,
		Failed:      t.batch.Failed,
		Skipped:     t.batch.Skipped,
		Logs:        t.logs.list(),
	}
	if t.batch.Total > 0 {
		snap.Percent = float64(resolved) / float64(t.batch.Total) * 100
	}

	end := time.Now()
	if t.batch.CompletedAt != nil {
		end = *t.batch.CompletedAt
	}
	elapsed := end.Sub(t.batch.StartedAt)
	snap.ElapsedSeconds = elapsed.Seconds()

	// Rate projection over the unresolved remainder; undefined until the
	// first record resolves.
	if resolved > 0 && t.syncing() && elapsed > 0 {
		rate := float64(resolved) / elapsed.Seconds()
		if rate > 0 {
			remaining := float64(t.batch.Total-resolved) / rate
			snap.EstimatedRemainingSeconds = &remaining
		}
	}

	for _, id := range t.order {
		e := t.entries[id]
		if e.rec.Status == models.RecordFailed {
			snap.FailedUsers = append(snap.FailedUsers, models.FailedUser{LotusID: id, Name: e.rec.Name})
		}
	}
	return snap
}
