// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrRecordNotFound is returned by Get and Photo when the directory has no
// record for the requested lotusId.
var ErrRecordNotFound = errors.New("directory: record not found")

// maxPhotoBytes caps a single photo download. Terminals reject anything
// larger anyway, so a bigger body indicates a misconfigured directory.
const maxPhotoBytes = 8 << 20

// HTTPSourceConfig configures the directory HTTP client.
type HTTPSourceConfig struct {
	// BaseURL is the volunteer directory root, e.g. "http://directory:8080".
	BaseURL string

	// Timeout bounds each directory request. Defaults to 10s.
	Timeout time.Duration
}

// HTTPSource implements Source against the volunteer directory's REST API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// volunteerDoc mirrors a directory record on the wire.
type volunteerDoc struct {
	LotusID         string    `json:"lotusId"`
	Name            string    `json:"name"`
	PhotoRef        string    `json:"photoRef"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastConfirmedAt time.Time `json:"lastConfirmedAt"`
}

// NewHTTPSource builds a directory client for the given base URL.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// List returns every volunteer record with its sync metadata.
func (s *HTTPSource) List(ctx context.Context) ([]Record, error) {
	var docs []volunteerDoc
	if err := s.getJSON(ctx, "/api/v1/volunteers", &docs); err != nil {
		return nil, fmt.Errorf("list volunteers: %w", err)
	}

	records := make([]Record, 0, len(docs))
	for _, d := range docs {
		records = append(records, d.record())
	}
	return records, nil
}

// Get returns a single record by lotusId.
func (s *HTTPSource) Get(ctx context.Context, lotusID string) (Record, error) {
	var doc volunteerDoc
	if err := s.getJSON(ctx, "/api/v1/volunteers/"+url.PathEscape(lotusID), &doc); err != nil {
		return Record{}, fmt.Errorf("get volunteer %s: %w", lotusID, err)
	}
	return doc.record(), nil
}

// Photo returns the raw photo bytes for base64 delivery.
func (s *HTTPSource) Photo(ctx context.Context, lotusID string) ([]byte, error) {
	resp, err := s.get(ctx, "/api/v1/volunteers/"+url.PathEscape(lotusID)+"/photo")
	if err != nil {
		return nil, fmt.Errorf("fetch photo %s: %w", lotusID, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch photo %s: %w", lotusID, err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read photo %s: %w", lotusID, err)
	}
	if len(data) > maxPhotoBytes {
		return nil, fmt.Errorf("photo %s exceeds %d bytes", lotusID, maxPhotoBytes)
	}
	return data, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	resp, err := s.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *HTTPSource) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return s.client.Do(req)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrRecordNotFound
	default:
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
}

func (d volunteerDoc) record() Record {
	return Record{
		LotusID:         d.LotusID,
		Name:            d.Name,
		PhotoRef:        d.PhotoRef,
		UpdatedAt:       d.UpdatedAt,
		LastConfirmedAt: d.LastConfirmedAt,
	}
}
