// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package models

import "encoding/base64"

// PhotoPayload is the tagged photo encoding consumed uniformly by the
// dispatcher: either an HTTP-fetchable reference or inline bytes.
type PhotoPayload struct {
	Format PhotoFormat `json:"format"`
	// URL is set when Format == url.
	URL string `json:"url,omitempty"`
	// Data holds the base64-encoded photo bytes when Format == base64.
	Data string `json:"data,omitempty"`
}

// PhotoURL builds a url-mode payload from an HTTP-fetchable reference.
func PhotoURL(ref string) PhotoPayload {
	return PhotoPayload{Format: PhotoFormatURL, URL: ref}
}

// PhotoBase64 builds a base64-mode payload from raw photo bytes.
func PhotoBase64(raw []byte) PhotoPayload {
	return PhotoPayload{Format: PhotoFormatBase64, Data: base64.StdEncoding.EncodeToString(raw)}
}

// Empty reports whether the payload carries no photo at all.
func (p PhotoPayload) Empty() bool {
	return p.URL == "" && p.Data == ""
}
