// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

//go:build !nats

// Package events publishes engine events to NATS JetStream as an optional
// side channel next to the websocket feed. Build with -tags=nats to enable
// it; the default build carries a stub.
package events

import (
	"context"
	"fmt"
)

// Config configures the NATS event publisher.
type Config struct {
	URL   string
	Topic string
}

// Publisher is a stub when NATS support is not compiled in.
type Publisher struct{}

// NewPublisher returns an error in builds without NATS support.
func NewPublisher(Config) (*Publisher, error) {
	return nil, fmt.Errorf("nats publisher not available: build with -tags=nats")
}

// Publish is a stub that returns an error.
func (p *Publisher) Publish(context.Context, string, any) error {
	return fmt.Errorf("nats publisher not available: build with -tags=nats")
}

// Close is a no-op stub.
func (p *Publisher) Close() error { return nil }
