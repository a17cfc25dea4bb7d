// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/lotushq/fleetsync/internal/device"
	"github.com/lotushq/fleetsync/internal/directory"
	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/metrics"
	"github.com/lotushq/fleetsync/internal/models"
)

// dispatch pushes the given pending records to every online terminal. A
// record counts as sent once the first terminal accepts it; records no
// terminal accepts are failed with the last transport error. Blocks until
// every terminal finished or ctx is canceled.
func (o *Orchestrator) dispatch(ctx context.Context, tr *tracker, lotusIDs []string) {
	view := tr.dispatchView(lotusIDs)
	if len(view) == 0 {
		return
	}

	terminals := o.devices.Online()
	if len(terminals) == 0 {
		for _, e := range view {
			tr.markFailed(e.lotusID, ReasonDeviceOffline, CodeDeviceOffline)
		}
		return
	}

	// Photo payloads are built once per record, not per terminal; a fetch
	// failure resolves the record before any terminal sees it.
	commands := make([]device.Command, 0, len(view))
	for _, e := range view {
		payload, err := o.buildPayload(ctx, e.dir, e.format)
		if err != nil {
			logging.Warn().
				Str("lotus_id", e.lotusID).
				Err(err).
				Msg("photo payload build failed")
			tr.markFailed(e.lotusID, ReasonPhotoUnreachable, CodePrecheckFailed)
			continue
		}
		commands = append(commands, device.Command{LotusID: e.lotusID, Name: e.name, Photo: payload})
	}

	var wg sync.WaitGroup
	for _, term := range terminals {
		wg.Add(1)
		go func(term device.Terminal) {
			defer wg.Done()
			o.deliverAll(ctx, tr, term, commands)
		}(term)
	}
	wg.Wait()

	// Whatever is still pending was rejected by every terminal.
	undelivered := make([]string, 0, len(commands))
	for _, cmd := range commands {
		undelivered = append(undelivered, cmd.LotusID)
	}
	tr.failUndelivered(undelivered)
}

// deliverAll pushes commands to one terminal in lotusId order, stopping on
// context cancellation or batch cancellation.
func (o *Orchestrator) deliverAll(ctx context.Context, tr *tracker, term device.Terminal, commands []device.Command) {
	sn := term.DeviceSN()
	for _, cmd := range commands {
		if ctx.Err() != nil {
			return
		}
		if tr.status() != models.BatchSyncing {
			return
		}

		if err := term.Deliver(ctx, cmd); err != nil {
			metrics.DeviceCommandErrors.WithLabelValues(sn).Inc()
			tr.noteDeliveryError(cmd.LotusID, err.Error())
			logging.Debug().
				Str("device_sn", sn).
				Str("lotus_id", cmd.LotusID).
				Err(err).
				Msg("deliver failed")
			continue
		}

		metrics.RecordsDispatched.WithLabelValues(sn).Inc()
		tr.markSent(cmd.LotusID)
	}
}

// buildPayload resolves a record's photo into the delivery encoding.
func (o *Orchestrator) buildPayload(ctx context.Context, rec directory.Record, format models.PhotoFormat) (models.PhotoPayload, error) {
	if format == models.PhotoFormatBase64 {
		raw, err := o.source.Photo(ctx, rec.LotusID)
		if err != nil {
			return models.PhotoPayload{}, err
		}
		return models.PhotoBase64(raw), nil
	}
	return models.PhotoURL(o.photoURL(rec.PhotoRef)), nil
}

func (o *Orchestrator) photoURL(ref string) string {
	return strings.TrimRight(o.cfg.PhotoBaseURL, "/") + "/" + strings.TrimLeft(ref, "/")
}
