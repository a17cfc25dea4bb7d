// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package engine

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lotushq/fleetsync/internal/models"
)

func newTestTracker(t *testing.T, n int) (*tracker, *memArchiver) {
	t.Helper()
	archiver := newMemArchiver()
	batch := models.SyncBatch{
		BatchID:     "batch-1",
		Strategy:    models.StrategyAll,
		PhotoFormat: models.PhotoFormatURL,
		Total:       n,
		Status:      models.BatchSyncing,
		StartedAt:   time.Now(),
	}
	tr := newTracker(batch, testRecords(n), 10,
		func(string, any) {},
		func(s models.BatchSummary, l []models.SyncLogEntry) {
			archiver.Archive(s, l) //nolint:errcheck // memArchiver never fails
		})
	return tr, archiver
}

func TestTrackerMarkSentIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, 2)

	if !tr.markSent("u01") {
		t.Fatal("first markSent = false, want true")
	}
	if tr.markSent("u01") {
		t.Fatal("second markSent = true, want false")
	}
	if tr.markSent("unknown") {
		t.Fatal("markSent(unknown) = true, want false")
	}
	if got := tr.batchView().Sent; got != 1 {
		t.Fatalf("Sent = %d, want 1", got)
	}
}

func TestTrackerSkipOnlyFromPending(t *testing.T) {
	tr, _ := newTestTracker(t, 2)

	tr.markSent("u01")
	tr.markSkipped("u01", "photo unreachable")
	rec, _ := tr.record("u01")
	if rec.Status != models.RecordSent {
		t.Fatalf("status = %q, want sent", rec.Status)
	}

	tr.markSkipped("u02", "photo unreachable")
	rec, _ = tr.record("u02")
	if rec.Status != models.RecordSkipped || rec.Code != CodePrecheckFailed {
		t.Fatalf("record = %+v, want skipped", rec)
	}
	if got := tr.batchView().Skipped; got != 1 {
		t.Fatalf("Skipped = %d, want 1", got)
	}
}

func TestTrackerReceiptTransitions(t *testing.T) {
	tr, _ := newTestTracker(t, 3)
	for _, id := range []string{"u01", "u02", "u03"} {
		tr.markSent(id)
	}

	if !tr.receipt("u01", true, "", "") {
		t.Fatal("receipt(u01) rejected")
	}
	if !tr.receipt("u02", false, "", "no face detected") {
		t.Fatal("receipt(u02) rejected")
	}
	// Duplicate and pending-record receipts are discarded.
	if tr.receipt("u01", false, "", "flip flop") {
		t.Fatal("duplicate receipt accepted")
	}

	rec, _ := tr.record("u01")
	if rec.Status != models.RecordConfirmed || rec.Code != CodeDeviceConfirmed {
		t.Fatalf("u01 = %+v, want confirmed", rec)
	}
	rec, _ = tr.record("u02")
	if rec.Status != models.RecordFailed || rec.Reason != "no face detected" || rec.Code != CodeDeviceRejected {
		t.Fatalf("u02 = %+v, want failed with device message", rec)
	}

	b := tr.batchView()
	if b.Confirmed != 1 || b.Failed != 1 || b.Status != models.BatchSyncing {
		t.Fatalf("batch = %+v, want 1/1 still syncing", b)
	}
}

func TestTrackerCompletionAndArchive(t *testing.T) {
	tr, archiver := newTestTracker(t, 2)
	tr.markSent("u01")
	tr.markSent("u02")
	tr.receipt("u01", true, "", "")
	tr.receipt("u02", true, "", "")

	if got := tr.status(); got != models.BatchCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	b := tr.batchView()
	if b.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if b.Confirmed+b.Failed+b.Skipped != b.Total {
		t.Fatalf("resolved != total: %+v", b)
	}

	waitFor(t, time.Second, "archive", func() bool { return archiver.count() == 1 })
	logs := archiver.logs["batch-1"]
	if len(logs) != 2 {
		t.Fatalf("archived logs = %d, want 2", len(logs))
	}
	if logs[0].LotusID != "u01" || logs[0].Status != models.RecordConfirmed {
		t.Fatalf("log[0] = %+v", logs[0])
	}
}

func TestTrackerResetForRetryRecounts(t *testing.T) {
	tr, _ := newTestTracker(t, 4)
	for _, id := range []string{"u01", "u02", "u03", "u04"} {
		tr.markSent(id)
	}
	tr.receipt("u01", true, "", "")
	tr.receipt("u02", true, "", "")
	tr.receipt("u03", false, "", "rejected")
	tr.receipt("u04", false, "", "rejected")

	if got := tr.status(); got != models.BatchCompleted {
		t.Fatalf("status = %q, want completed", got)
	}

	format := models.PhotoFormatBase64
	reset := tr.resetForRetry([]models.FailedUser{
		{LotusID: "u03"},
		{LotusID: "u04"},
		{LotusID: "u01"}, // confirmed, must be ignored
	}, &format)
	if len(reset) != 2 {
		t.Fatalf("reset = %v, want u03 u04", reset)
	}

	b := tr.batchView()
	if b.Status != models.BatchSyncing || b.CompletedAt != nil {
		t.Fatalf("batch not reopened: %+v", b)
	}
	if b.Sent != 2 || b.Confirmed != 2 || b.Failed != 0 {
		t.Fatalf("recounted = sent %d confirmed %d failed %d, want 2/2/0", b.Sent, b.Confirmed, b.Failed)
	}

	view := tr.dispatchView(reset)
	if len(view) != 2 {
		t.Fatalf("dispatchView = %d entries, want 2", len(view))
	}
	for _, e := range view {
		if e.format != models.PhotoFormatBase64 {
			t.Fatalf("retry format = %q, want base64", e.format)
		}
	}
}

func TestTrackerSweepStale(t *testing.T) {
	tr, _ := newTestTracker(t, 2)
	tr.markSent("u01")
	time.Sleep(20 * time.Millisecond)

	if n := tr.sweepStale(5 * time.Millisecond); n != 1 {
		t.Fatalf("sweepStale = %d, want 1", n)
	}
	rec, _ := tr.record("u01")
	if rec.Status != models.RecordFailed || rec.Reason != ReasonAckTimeout {
		t.Fatalf("swept record = %+v", rec)
	}

	// u02 is still pending, not sent; the sweeper must leave it alone.
	rec, _ = tr.record("u02")
	if rec.Status != models.RecordPending {
		t.Fatalf("u02 = %+v, want pending", rec)
	}
}

func TestTrackerSnapshotEstimate(t *testing.T) {
	tr, _ := newTestTracker(t, 4)

	snap := tr.snapshot()
	if snap.EstimatedRemainingSeconds != nil {
		t.Fatal("estimate set before any record resolved")
	}
	if snap.Percent != 0 {
		t.Fatalf("Percent = %v, want 0", snap.Percent)
	}

	tr.markSent("u01")
	tr.receipt("u01", true, "", "")

	snap = tr.snapshot()
	if snap.EstimatedRemainingSeconds == nil {
		t.Fatal("estimate missing after first resolve")
	}
	if snap.Percent != 25 {
		t.Fatalf("Percent = %v, want 25", snap.Percent)
	}
}

func TestTrackerLogRingBounded(t *testing.T) {
	tr, _ := newTestTracker(t, 1)
	for i := 0; i < 50; i++ {
		tr.logs.addf("line %d", i)
	}

	snap := tr.snapshot()
	if len(snap.Logs) != 10 {
		t.Fatalf("logs = %d lines, want ring size 10", len(snap.Logs))
	}
	if !strings.Contains(snap.Logs[len(snap.Logs)-1], "line 49") {
		t.Fatalf("last log = %q, want newest line", snap.Logs[len(snap.Logs)-1])
	}
}

func TestTrackerConcurrentReceipts(t *testing.T) {
	tr, _ := newTestTracker(t, 8)
	ids := make([]string, 0, 8)
	for _, e := range tr.dispatchView([]string{"u01", "u02", "u03", "u04", "u05", "u06", "u07", "u08"}) {
		ids = append(ids, e.lotusID)
		tr.markSent(e.lotusID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tr.receipt(id, true, "", "")
			tr.receipt(id, true, "", "") // duplicate, must be discarded
		}(id)
	}
	wg.Wait()

	b := tr.batchView()
	if b.Confirmed != 8 || b.Status != models.BatchCompleted {
		t.Fatalf("batch = %+v, want 8 confirmed completed", b)
	}
}
