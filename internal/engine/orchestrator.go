// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lotushq/fleetsync/internal/device"
	"github.com/lotushq/fleetsync/internal/directory"
	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/metrics"
	"github.com/lotushq/fleetsync/internal/models"
)

// Config tunes the orchestrator. Zero values fall back to sensible defaults.
type Config struct {
	// PhotoBaseURL prefixes record photo references in url mode.
	PhotoBaseURL string

	// AckTimeout is how long a sent record may wait for its receipt before
	// the sweeper fails it.
	AckTimeout time.Duration

	// SweepInterval is how often the sweeper scans for stale sent records.
	SweepInterval time.Duration

	// ProgressInterval paces coalesced progress broadcasts.
	ProgressInterval time.Duration

	// LogBuffer bounds the in-memory progress log ring.
	LogBuffer int
}

func (c *Config) applyDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 200 * time.Millisecond
	}
	if c.LogBuffer <= 0 {
		c.LogBuffer = 200
	}
}

// Archiver persists finished batches. Implemented by the history store.
type Archiver interface {
	Archive(summary models.BatchSummary, logs []models.SyncLogEntry) error
}

// StartOptions parameterize one batch.
type StartOptions struct {
	Strategy    models.Strategy
	PhotoFormat models.PhotoFormat

	// ValidatePhotos probes each candidate's photo before dispatch and skips
	// records whose photo is unreachable.
	ValidatePhotos bool
}

// Orchestrator drives sync batches end to end: candidate selection, fan-out
// dispatch, receipt tracking, retries and the observer event feed. One
// batch is active at a time; starting a second one fails fast with
// ErrAlreadyRunning.
type Orchestrator struct {
	cfg        Config
	source     directory.Source
	devices    *device.Registry
	store      Archiver
	prechecker directory.Prechecker

	mu             sync.Mutex
	tr             *tracker
	dispatching    bool
	cancelDispatch context.CancelFunc

	events chan feedEvent
	sink   EventSink
}

// New wires an orchestrator. prechecker may be nil to disable photo
// validation regardless of StartOptions.
func New(cfg Config, source directory.Source, devices *device.Registry, store Archiver, prechecker directory.Prechecker) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		source:     source,
		devices:    devices,
		store:      store,
		prechecker: prechecker,
		events:     make(chan feedEvent, 512),
	}
}

// SetEventSink attaches an optional side channel receiving every event.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.sink = sink }

// emit queues an event for the feed pump without ever blocking the tracker.
func (o *Orchestrator) emit(kind string, data any) {
	select {
	case o.events <- feedEvent{kind: kind, data: data}:
	default:
		metrics.EventsDropped.Inc()
	}
}

// archiveBatch hands a finished batch to the history store.
func (o *Orchestrator) archiveBatch(summary models.BatchSummary, logs []models.SyncLogEntry) {
	if err := o.store.Archive(summary, logs); err != nil {
		logging.Error().Str("batch_id", summary.BatchID).Err(err).Msg("failed to archive batch")
		return
	}
	logging.Info().
		Str("batch_id", summary.BatchID).
		Str("status", string(summary.Status)).
		Int("confirmed", summary.SuccessCount).
		Int("failed", summary.FailedCount).
		Int("skipped", summary.SkippedCount).
		Msg("batch archived")
}

// StartBatch selects candidates with the requested strategy and launches
// dispatch in the background. The returned batch carries the final total;
// everything after that streams through progress events.
func (o *Orchestrator) StartBatch(ctx context.Context, opts StartOptions) (models.SyncBatch, error) {
	if !opts.Strategy.Valid() {
		return models.SyncBatch{}, errors.New("invalid strategy")
	}
	if !opts.PhotoFormat.Valid() {
		return models.SyncBatch{}, errors.New("invalid photo format")
	}

	// Reserve the batch slot before selection so a concurrent start fails
	// fast instead of queueing behind directory I/O, and so Progress,
	// Receipt and CancelBatch stay responsive while the listing runs.
	o.mu.Lock()
	if o.dispatching || (o.tr != nil && o.tr.status() == models.BatchSyncing) {
		o.mu.Unlock()
		return models.SyncBatch{}, ErrAlreadyRunning
	}
	o.dispatching = true
	o.mu.Unlock()

	records, err := o.source.List(ctx)
	if err != nil {
		o.finishDispatch()
		return models.SyncBatch{}, err
	}
	candidates := directory.Select(records, opts.Strategy)

	batch := models.SyncBatch{
		BatchID:     uuid.NewString(),
		Strategy:    opts.Strategy,
		PhotoFormat: opts.PhotoFormat,
		Total:       len(candidates),
		Status:      models.BatchSyncing,
		StartedAt:   time.Now(),
	}

	tr := newTracker(batch, candidates, o.cfg.LogBuffer, o.emit, o.archiveBatch)

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.tr = tr
	o.cancelDispatch = cancel
	o.mu.Unlock()

	metrics.BatchesStarted.WithLabelValues(string(opts.Strategy), string(opts.PhotoFormat)).Inc()
	metrics.ActiveBatch.Set(1)

	o.emit(EventBatchStart, BatchStartEvent{
		BatchID:     batch.BatchID,
		Total:       batch.Total,
		Strategy:    batch.Strategy,
		PhotoFormat: batch.PhotoFormat,
	})
	o.emit(EventProgress, nil)

	logging.Info().
		Str("batch_id", batch.BatchID).
		Str("strategy", string(batch.Strategy)).
		Str("photo_format", string(batch.PhotoFormat)).
		Int("total", batch.Total).
		Msg("sync batch started")

	go o.run(runCtx, tr, candidates, opts)

	return batch, nil
}

// run is the background body of one batch attempt: optional photo
// validation, then dispatch of whatever is still pending.
func (o *Orchestrator) run(ctx context.Context, tr *tracker, candidates []directory.Record, opts StartOptions) {
	defer o.finishDispatch()

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		// The probe applies to both encodings: base64 delivery fetches the
		// same photo the url-mode terminal would, so an unreachable photo
		// resolves as skipped either way.
		if opts.ValidatePhotos && o.prechecker != nil {
			if err := o.prechecker.CheckPhoto(ctx, c); err != nil {
				tr.markSkipped(c.LotusID, err.Error())
				continue
			}
		}
		ids = append(ids, c.LotusID)
	}

	o.dispatch(ctx, tr, ids)
	tr.poke()
}

func (o *Orchestrator) finishDispatch() {
	o.mu.Lock()
	o.dispatching = false
	o.cancelDispatch = nil
	o.mu.Unlock()
}

// CancelBatch stops dispatch and freezes the given batch. In-flight records
// still resolve through their receipts without moving the frozen counters.
func (o *Orchestrator) CancelBatch(batchID string) error {
	o.mu.Lock()
	tr := o.tr
	cancel := o.cancelDispatch
	o.mu.Unlock()

	if tr == nil || tr.batchID() != batchID {
		return ErrNoBatch
	}
	if cancel != nil {
		cancel()
	}
	tr.cancel()
	logging.Info().Str("batch_id", batchID).Msg("sync batch cancelled")
	return nil
}

// Retry re-dispatches the given failed records of the current batch,
// optionally switching their photo encoding (base64 is the usual fallback
// when url-mode delivery failed). The batch keeps its id; counters reopen
// for exactly the retried subset.
func (o *Orchestrator) Retry(ctx context.Context, users []models.FailedUser, format *models.PhotoFormat) (models.SyncBatch, error) {
	if format != nil && !format.Valid() {
		return models.SyncBatch{}, errors.New("invalid photo format")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tr == nil {
		return models.SyncBatch{}, ErrNoBatch
	}
	if o.dispatching || o.tr.status() == models.BatchSyncing {
		return models.SyncBatch{}, ErrAlreadyRunning
	}

	tr := o.tr
	reset := tr.resetForRetry(users, format)
	if len(reset) == 0 {
		return models.SyncBatch{}, ErrNoFailedRecords
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancelDispatch = cancel
	o.dispatching = true

	logging.Info().
		Str("batch_id", tr.batchID()).
		Int("records", len(reset)).
		Msg("retrying failed records")

	go func() {
		defer o.finishDispatch()
		o.dispatch(runCtx, tr, reset)
		tr.poke()
	}()

	return tr.batchView(), nil
}

// SyncOne pushes a single record to every online terminal immediately,
// outside any batch. Succeeds when at least one terminal accepts it.
func (o *Orchestrator) SyncOne(ctx context.Context, lotusID string) error {
	rec, err := o.source.Get(ctx, lotusID)
	if err != nil {
		return err
	}

	terminals := o.devices.Online()
	if len(terminals) == 0 {
		return ErrNoDeviceOnline
	}

	payload, err := o.buildPayload(ctx, rec, models.PhotoFormatURL)
	if err != nil {
		return err
	}
	cmd := device.Command{LotusID: rec.LotusID, Name: rec.Name, Photo: payload}

	var errs []error
	delivered := false
	for _, term := range terminals {
		if err := term.Deliver(ctx, cmd); err != nil {
			metrics.DeviceCommandErrors.WithLabelValues(term.DeviceSN()).Inc()
			errs = append(errs, err)
			continue
		}
		metrics.RecordsDispatched.WithLabelValues(term.DeviceSN()).Inc()
		delivered = true
	}
	if !delivered {
		return errors.Join(errs...)
	}
	return nil
}

// ClearDevices wipes the user store on every online terminal. Failures are
// joined so one dead terminal does not hide the rest.
func (o *Orchestrator) ClearDevices(ctx context.Context) error {
	terminals := o.devices.Online()
	if len(terminals) == 0 {
		return ErrNoDeviceOnline
	}

	var errs []error
	for _, term := range terminals {
		if err := term.ClearUsers(ctx); err != nil {
			metrics.DeviceCommandErrors.WithLabelValues(term.DeviceSN()).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receipt reconciles an asynchronous device receipt. Receipts referencing an
// unknown batch are discarded as late.
func (o *Orchestrator) Receipt(batchID, lotusID string, ok bool, code, message string) error {
	o.mu.Lock()
	tr := o.tr
	o.mu.Unlock()

	if tr == nil || tr.batchID() != batchID {
		metrics.LateReceipts.Inc()
		logging.Warn().
			Str("batch_id", batchID).
			Str("lotus_id", lotusID).
			Msg("receipt for unknown batch discarded")
		return ErrLateReceipt
	}

	if !tr.receipt(lotusID, ok, code, message) {
		return ErrLateReceipt
	}
	return nil
}

// Progress returns the current snapshot, or an idle one when no batch was
// ever started.
func (o *Orchestrator) Progress() models.ProgressSnapshot {
	o.mu.Lock()
	tr := o.tr
	o.mu.Unlock()

	if tr == nil {
		return models.ProgressSnapshot{Status: models.BatchIdle, Logs: []string{}}
	}
	return tr.snapshot()
}

// Batch returns the current batch header.
func (o *Orchestrator) Batch() (models.SyncBatch, bool) {
	o.mu.Lock()
	tr := o.tr
	o.mu.Unlock()

	if tr == nil {
		return models.SyncBatch{}, false
	}
	return tr.batchView(), true
}

// RunFeed pumps engine events to the broadcaster until ctx is canceled.
// Progress events are coalesced on the configured interval; every other
// event type is forwarded immediately. Designed to run under the supervisor
// tree.
func (o *Orchestrator) RunFeed(ctx context.Context, b Broadcaster) error {
	ticker := time.NewTicker(o.cfg.ProgressInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-o.events:
			if ev.kind == EventProgress {
				dirty = true
				continue
			}
			b.Broadcast(ev.kind, ev.data)
			o.publishSink(ctx, ev.kind, ev.data)

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			snap := o.Progress()
			b.Broadcast(EventProgress, snap)
			o.publishSink(ctx, EventProgress, snap)
		}
	}
}

func (o *Orchestrator) publishSink(ctx context.Context, kind string, data any) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Publish(ctx, kind, data); err != nil {
		logging.Warn().Str("kind", kind).Err(err).Msg("event sink publish failed")
	}
}

// RunSweeper fails sent records whose receipt never arrived within the ack
// timeout. Designed to run under the supervisor tree.
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.mu.Lock()
			tr := o.tr
			o.mu.Unlock()
			if tr == nil {
				continue
			}
			if n := tr.sweepStale(o.cfg.AckTimeout); n > 0 {
				logging.Warn().
					Str("batch_id", tr.batchID()).
					Int("records", n).
					Msg("swept records with no receipt")
			}
		}
	}
}
