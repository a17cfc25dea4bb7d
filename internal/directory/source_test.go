// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package directory

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()

	listing := `[
		{"lotusId":"L001","name":"Alice Tan","photoRef":"photos/L001.jpg","updatedAt":"2026-03-01T09:00:00Z","lastConfirmedAt":"2026-03-01T10:00:00Z"},
		{"lotusId":"L002","name":"Bob Lim","photoRef":"photos/L002.jpg","updatedAt":"2026-03-01T11:00:00Z"}
	]`
	single := `{"lotusId":"L001","name":"Alice Tan","photoRef":"photos/L001.jpg","updatedAt":"2026-03-01T09:00:00Z"}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/volunteers":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(listing)) //nolint:errcheck
		case "/api/v1/volunteers/L001":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(single)) //nolint:errcheck
		case "/api/v1/volunteers/L001/photo":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpeg-bytes")) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSourceList(t *testing.T) {
	srv := newDirectoryServer(t)
	src := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL, Timeout: time.Second})

	records, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(records))
	}
	if records[0].LotusID != "L001" || records[0].Name != "Alice Tan" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[0].LastConfirmedAt.IsZero() {
		t.Error("L001 lastConfirmedAt should be set")
	}
	if !records[1].LastConfirmedAt.IsZero() {
		t.Error("L002 lastConfirmedAt should be zero when absent from the response")
	}
}

func TestHTTPSourceGet(t *testing.T) {
	srv := newDirectoryServer(t)
	src := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL, Timeout: time.Second})

	rec, err := src.Get(context.Background(), "L001")
	if err != nil {
		t.Fatalf("Get(L001) error: %v", err)
	}
	if rec.PhotoRef != "photos/L001.jpg" {
		t.Errorf("photoRef = %q, want photos/L001.jpg", rec.PhotoRef)
	}

	_, err = src.Get(context.Background(), "L999")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get(L999) error = %v, want ErrRecordNotFound", err)
	}
}

func TestHTTPSourcePhoto(t *testing.T) {
	srv := newDirectoryServer(t)
	src := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL, Timeout: time.Second})

	data, err := src.Photo(context.Background(), "L001")
	if err != nil {
		t.Fatalf("Photo(L001) error: %v", err)
	}
	if !bytes.Equal(data, []byte("jpeg-bytes")) {
		t.Errorf("Photo(L001) = %q", data)
	}

	_, err = src.Photo(context.Background(), "L999")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Photo(L999) error = %v, want ErrRecordNotFound", err)
	}
}

func TestHTTPSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL, Timeout: time.Second})
	if _, err := src.List(context.Background()); err == nil {
		t.Error("List() against a failing directory should error")
	}
}
