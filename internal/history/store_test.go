// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package history

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return store
}

func archivedBatch(id string, startedAt time.Time) (models.BatchSummary, []models.SyncLogEntry) {
	done := startedAt.Add(90 * time.Second)
	summary := models.BatchSummary{
		BatchID:      id,
		Strategy:     models.StrategyUnsynced,
		PhotoFormat:  models.PhotoFormatURL,
		Status:       models.BatchCompleted,
		StartedAt:    startedAt,
		CompletedAt:  &done,
		SuccessCount: 2,
		FailedCount:  1,
		DurationMs:   90_000,
	}
	logs := []models.SyncLogEntry{
		{LotusID: "L001", Name: "Alice Tan", Status: models.RecordConfirmed, SyncedAt: done},
		{LotusID: "L002", Name: "Bob Lim", Status: models.RecordConfirmed, SyncedAt: done},
		{LotusID: "L003", Name: "Chen Wei", Status: models.RecordFailed, ErrorMessage: "device offline", SyncedAt: done},
	}
	return summary, logs
}

func TestArchiveAndGetDetail(t *testing.T) {
	store := openTestStore(t)
	summary, logs := archivedBatch("b-1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if err := store.Archive(summary, logs); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}

	detail, err := store.GetBatchDetail("b-1")
	if err != nil {
		t.Fatalf("GetBatchDetail() error: %v", err)
	}
	if detail.Summary.BatchID != "b-1" || detail.Summary.SuccessCount != 2 {
		t.Errorf("summary mismatch: %+v", detail.Summary)
	}
	if len(detail.Logs) != 3 {
		t.Fatalf("logs count = %d, want 3", len(detail.Logs))
	}
	if detail.Logs[2].ErrorMessage != "device offline" {
		t.Errorf("log entry error = %q, want device offline", detail.Logs[2].ErrorMessage)
	}
}

func TestArchiveRejectsActiveBatch(t *testing.T) {
	store := openTestStore(t)
	summary, logs := archivedBatch("b-1", time.Now())
	summary.Status = models.BatchSyncing

	if err := store.Archive(summary, logs); err == nil {
		t.Fatal("Archive() accepted a batch still syncing")
	}
}

func TestListBatchesNewestFirst(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		summary, logs := archivedBatch(fmt.Sprintf("b-%d", i), base.Add(time.Duration(i)*time.Hour))
		if err := store.Archive(summary, logs); err != nil {
			t.Fatalf("Archive() error: %v", err)
		}
	}

	page1, err := store.ListBatches(1, 2)
	if err != nil {
		t.Fatalf("ListBatches() error: %v", err)
	}
	if len(page1) != 2 || page1[0].BatchID != "b-4" || page1[1].BatchID != "b-3" {
		t.Errorf("page 1 = %v, want [b-4 b-3]", pageIDs(page1))
	}

	page3, err := store.ListBatches(3, 2)
	if err != nil {
		t.Fatalf("ListBatches() error: %v", err)
	}
	if len(page3) != 1 || page3[0].BatchID != "b-0" {
		t.Errorf("page 3 = %v, want [b-0]", pageIDs(page3))
	}

	empty, err := store.ListBatches(4, 2)
	if err != nil {
		t.Fatalf("ListBatches() error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("out-of-range page returned %v", pageIDs(empty))
	}
}

func TestReArchiveReplacesSnapshot(t *testing.T) {
	store := openTestStore(t)
	summary, logs := archivedBatch("b-1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if err := store.Archive(summary, logs); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}

	// A retry resolves the failed record; the batch re-completes and is
	// archived again under the same id.
	summary.SuccessCount = 3
	summary.FailedCount = 0
	logs[2].Status = models.RecordConfirmed
	logs[2].ErrorMessage = ""
	if err := store.Archive(summary, logs); err != nil {
		t.Fatalf("re-Archive() error: %v", err)
	}

	list, err := store.ListBatches(1, 10)
	if err != nil {
		t.Fatalf("ListBatches() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("re-archive duplicated the batch: %v", pageIDs(list))
	}
	if list[0].FailedCount != 0 || list[0].SuccessCount != 3 {
		t.Errorf("summary not replaced: %+v", list[0])
	}
}

func TestGetBatchDetailNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetBatchDetail("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBatchDetail(missing) error = %v, want ErrNotFound", err)
	}
}

func pageIDs(summaries []models.BatchSummary) []string {
	out := make([]string, len(summaries))
	for i, s := range summaries {
		out[i] = s.BatchID
	}
	return out
}
