// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package engine

import (
	"fmt"
	"time"
)

// ring is the bounded buffer of human-readable progress lines carried in
// every ProgressSnapshot. Not safe for concurrent use; the tracker's lock
// covers it.
type ring struct {
	buf  []string
	next int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 200
	}
	return &ring{buf: make([]string, size)}
}

func (r *ring) addf(format string, args ...any) {
	line := time.Now().UTC().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the buffered lines, oldest first.
func (r *ring) list() []string {
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
