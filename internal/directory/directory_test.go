// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lotushq/fleetsync/internal/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleRecords() []Record {
	return []Record{
		// Never synced.
		{LotusID: "L003", Name: "Chen Wei", UpdatedAt: base},
		// Synced and unchanged since.
		{LotusID: "L001", Name: "Alice Tan", UpdatedAt: base, LastConfirmedAt: base.Add(time.Hour)},
		// Synced but modified afterwards.
		{LotusID: "L002", Name: "Bob Lim", UpdatedAt: base.Add(2 * time.Hour), LastConfirmedAt: base.Add(time.Hour)},
	}
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.LotusID
	}
	return out
}

func TestSelect(t *testing.T) {
	tests := []struct {
		strategy models.Strategy
		want     []string
	}{
		{models.StrategyAll, []string{"L001", "L002", "L003"}},
		{models.StrategyUnsynced, []string{"L003"}},
		{models.StrategyChanged, []string{"L002"}},
		{models.Strategy("bogus"), []string{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			got := ids(Select(sampleRecords(), tt.strategy))
			if len(got) != len(tt.want) {
				t.Fatalf("Select(%s) = %v, want %v", tt.strategy, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Select(%s)[%d] = %s, want %s", tt.strategy, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	records := sampleRecords()
	first := ids(Select(records, models.StrategyAll))

	// Reversed input must yield the same ordered output.
	reversed := []Record{records[2], records[1], records[0]}
	second := ids(Select(reversed, models.StrategyAll))

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("selection not deterministic: %v vs %v", first, second)
		}
	}
}

func TestHTTPPrechecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/photos/ok.jpg" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPPrechecker(srv.URL, time.Second)

	if err := p.CheckPhoto(context.Background(), Record{LotusID: "L1", PhotoRef: "photos/ok.jpg"}); err != nil {
		t.Errorf("reachable photo failed precheck: %v", err)
	}
	if err := p.CheckPhoto(context.Background(), Record{LotusID: "L2", PhotoRef: "photos/missing.jpg"}); err == nil {
		t.Error("missing photo passed precheck")
	}
	if err := p.CheckPhoto(context.Background(), Record{LotusID: "L3"}); err == nil {
		t.Error("record without photo passed precheck")
	}
}
