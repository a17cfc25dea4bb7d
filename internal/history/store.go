// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package history is the durable, append-only audit trail of finished
// batches, backed by BadgerDB. Batches are archived on completion or
// cancellation; no update or delete operation is exposed.
package history

import (
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/models"
)

// Key layout. Summaries are keyed by inverted timestamp so iterating in
// ascending key order yields newest-first; the id index points a batchId at
// its summary key.
const (
	summaryKeyPrefix = "summary:"
	logsKeyPrefix    = "logs:"
	idKeyPrefix      = "batch:"
)

// ErrNotFound is returned when a batch id is not in the archive.
var ErrNotFound = errors.New("batch not found")

// BatchDetail is a full archived batch: summary plus per-record outcomes.
type BatchDetail struct {
	Summary models.BatchSummary   `json:"summary"`
	Logs    []models.SyncLogEntry `json:"logs"`
}

// Store is the badger-backed batch archive.
type Store struct {
	db *badger.DB
}

// Options configures the store.
type Options struct {
	Path string
	// InMemory runs badger without disk persistence. Test use only.
	InMemory bool
}

// Open opens (creating if needed) the archive at the configured path.
func Open(opts Options) (*Store, error) {
	path := opts.Path
	if opts.InMemory {
		// Badger requires an empty dir path in in-memory mode.
		path = ""
	}
	badgerOpts := badger.DefaultOptions(path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Archive persists a finished batch. A batch retried after completion is
// re-archived under the same keys, replacing its earlier snapshot; callers
// never archive a batch still syncing.
func (s *Store) Archive(summary models.BatchSummary, logs []models.SyncLogEntry) error {
	if summary.Status == models.BatchSyncing || summary.Status == models.BatchIdle {
		return fmt.Errorf("refusing to archive batch %s in status %s", summary.BatchID, summary.Status)
	}

	summaryData, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	logsData, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	sKey := summaryKey(summary)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sKey, summaryData); err != nil {
			return fmt.Errorf("set summary: %w", err)
		}
		if err := txn.Set([]byte(logsKeyPrefix+summary.BatchID), logsData); err != nil {
			return fmt.Errorf("set logs: %w", err)
		}
		if err := txn.Set([]byte(idKeyPrefix+summary.BatchID), sKey); err != nil {
			return fmt.Errorf("set id index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.Info().
		Str("batch_id", summary.BatchID).
		Str("status", string(summary.Status)).
		Int("records", len(logs)).
		Msg("batch archived")
	return nil
}

// ListBatches returns one page of archived batch summaries, newest first.
// Pages are 1-based; an out-of-range page returns an empty slice.
func (s *Store) ListBatches(page, pageSize int) ([]models.BatchSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	skip := (page - 1) * pageSize

	out := make([]models.BatchSummary, 0, pageSize)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(summaryKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skip > 0 {
				skip--
				continue
			}
			if len(out) >= pageSize {
				break
			}

			var summary models.BatchSummary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &summary)
			})
			if err != nil {
				return fmt.Errorf("decode summary: %w", err)
			}
			out = append(out, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBatchDetail returns the archived summary and per-record log for one
// batch.
func (s *Store) GetBatchDetail(batchID string) (*BatchDetail, error) {
	var detail BatchDetail

	err := s.db.View(func(txn *badger.Txn) error {
		idItem, err := txn.Get([]byte(idKeyPrefix + batchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get id index: %w", err)
		}

		var sKey []byte
		if err := idItem.Value(func(val []byte) error {
			sKey = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return fmt.Errorf("read id index: %w", err)
		}

		sItem, err := txn.Get(sKey)
		if err != nil {
			return fmt.Errorf("get summary: %w", err)
		}
		if err := sItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &detail.Summary)
		}); err != nil {
			return fmt.Errorf("decode summary: %w", err)
		}

		lItem, err := txn.Get([]byte(logsKeyPrefix + batchID))
		if err != nil {
			return fmt.Errorf("get logs: %w", err)
		}
		return lItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &detail.Logs)
		})
	})
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// summaryKey builds the inverted-timestamp summary key so newer batches sort
// first under ascending iteration.
func summaryKey(summary models.BatchSummary) []byte {
	inverted := math.MaxInt64 - summary.StartedAt.UnixNano()
	return []byte(fmt.Sprintf("%s%020d:%s", summaryKeyPrefix, inverted, summary.BatchID))
}
