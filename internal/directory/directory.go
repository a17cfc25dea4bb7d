// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

// Package directory abstracts the read-only volunteer directory this engine
// synchronizes from, and implements candidate selection over it.
//
// The directory itself is an external collaborator; the engine only needs a
// listing with per-record sync metadata, photo bytes for base64 mode, and a
// single-record lookup for the sync-one path.
package directory

import (
	"context"
	"sort"
	"time"

	"github.com/lotushq/fleetsync/internal/models"
)

// Record is one volunteer as seen by the sync engine.
type Record struct {
	// LotusID is the stable identifier joining the directory and sync state.
	LotusID string
	Name    string

	// PhotoRef is a server-relative photo reference, resolved against the
	// configured photo base URL in url mode.
	PhotoRef string

	// UpdatedAt is when the directory record was last modified.
	UpdatedAt time.Time

	// LastConfirmedAt is when this record was last successfully confirmed on
	// the fleet. Zero means never.
	LastConfirmedAt time.Time
}

// Source is the volunteer directory boundary.
type Source interface {
	// List returns every volunteer record with its sync metadata.
	List(ctx context.Context) ([]Record, error)

	// Get returns a single record by lotusId.
	Get(ctx context.Context, lotusID string) (Record, error)

	// Photo returns the raw photo bytes for base64 delivery.
	Photo(ctx context.Context, lotusID string) ([]byte, error)
}

// Select computes the candidate set for a batch. Selection is a pure
// function of the directory snapshot: the result is ordered by lotusId so a
// given snapshot always yields the same total.
func Select(records []Record, strategy models.Strategy) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if eligible(r, strategy) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LotusID < out[j].LotusID })
	return out
}

func eligible(r Record, strategy models.Strategy) bool {
	switch strategy {
	case models.StrategyAll:
		return true
	case models.StrategyUnsynced:
		return r.LastConfirmedAt.IsZero()
	case models.StrategyChanged:
		return !r.LastConfirmedAt.IsZero() && r.UpdatedAt.After(r.LastConfirmedAt)
	default:
		return false
	}
}
