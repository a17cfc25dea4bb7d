// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"

	"github.com/lotushq/fleetsync/internal/device"
	"github.com/lotushq/fleetsync/internal/engine"
	"github.com/lotushq/fleetsync/internal/history"
	"github.com/lotushq/fleetsync/internal/logging"
	"github.com/lotushq/fleetsync/internal/models"
	"github.com/lotushq/fleetsync/internal/websocket"
)

const defaultPageSize = 20

// Handler implements the HTTP control surface over the sync engine.
type Handler struct {
	engine   *engine.Orchestrator
	history  *history.Store
	registry *device.Registry
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
}

// NewHandler wires the handler. allowedOrigins guards websocket upgrades; an
// empty list accepts any origin.
func NewHandler(eng *engine.Orchestrator, store *history.Store, registry *device.Registry, hub *websocket.Hub, allowedOrigins []string) *Handler {
	h := &Handler{
		engine:   eng,
		history:  store,
		registry: registry,
		hub:      hub,
	}
	h.upgrader = gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// StartSync launches a new batch.
//
//	POST /api/v1/sync/start
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req startSyncRequest
	if err := decodeAndValidate(r, &req); err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}

	batch, err := h.engine.StartBatch(r.Context(), engine.StartOptions{
		Strategy:       models.Strategy(req.Strategy),
		PhotoFormat:    models.PhotoFormat(req.PhotoFormat),
		ValidatePhotos: req.ValidatePhotos,
	})
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			rw.Conflict(ErrCodeSyncAlreadyRunning, "a sync batch is already running")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("start sync failed")
		rw.InternalError("failed to start sync batch")
		return
	}

	rw.Success(batch)
}

// SyncOne pushes a single record to every online terminal immediately.
//
//	POST /api/v1/sync/one
func (h *Handler) SyncOne(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req syncOneRequest
	if err := decodeAndValidate(r, &req); err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}

	if err := h.engine.SyncOne(r.Context(), req.LotusID); err != nil {
		if errors.Is(err, engine.ErrNoDeviceOnline) {
			rw.ServiceUnavailable(ErrCodeNoDeviceOnline, "no device online")
			return
		}
		logging.Ctx(r.Context()).Warn().Str("lotus_id", req.LotusID).Err(err).Msg("sync one failed")
		rw.BadRequest(err.Error())
		return
	}

	rw.Success(map[string]string{"lotusId": req.LotusID})
}

// RetrySync re-dispatches failed records of the current batch.
//
//	POST /api/v1/sync/retry
func (h *Handler) RetrySync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req retryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}

	batch, err := h.engine.Retry(r.Context(), req.failedUsers(), req.format())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNoBatch):
			rw.NotFound("no batch to retry")
		case errors.Is(err, engine.ErrAlreadyRunning):
			rw.Conflict(ErrCodeSyncAlreadyRunning, "a sync batch is already running")
		case errors.Is(err, engine.ErrNoFailedRecords):
			rw.Conflict(ErrCodeNoFailedRecords, "none of the requested records is failed")
		default:
			logging.Ctx(r.Context()).Error().Err(err).Msg("retry failed")
			rw.InternalError("failed to retry records")
		}
		return
	}

	rw.Success(batch)
}

// CancelSync cancels the running batch.
//
//	POST /api/v1/sync/cancel/{batchId}
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	batchID := chi.URLParam(r, "batchId")
	if err := h.engine.CancelBatch(batchID); err != nil {
		if errors.Is(err, engine.ErrNoBatch) {
			rw.NotFound("batch not found")
			return
		}
		logging.Ctx(r.Context()).Error().Str("batch_id", batchID).Err(err).Msg("cancel failed")
		rw.InternalError("failed to cancel batch")
		return
	}

	rw.Success(map[string]string{"batchId": batchID, "status": string(models.BatchCancelled)})
}

// Progress returns the current progress snapshot, also available as the
// websocket progress event.
//
//	GET /api/v1/sync/progress
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.engine.Progress())
}

// Devices lists every known terminal with its online state.
//
//	GET /api/v1/devices
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.registry.Devices())
}

// ClearDevices wipes the user store on every online terminal.
//
//	POST /api/v1/devices/clear
func (h *Handler) ClearDevices(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.engine.ClearDevices(r.Context()); err != nil {
		if errors.Is(err, engine.ErrNoDeviceOnline) {
			rw.ServiceUnavailable(ErrCodeNoDeviceOnline, "no device online")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("clear devices failed")
		rw.Error(http.StatusBadGateway, ErrCodeDeviceCommandFailed, err.Error())
		return
	}

	rw.Success(map[string]string{"status": "cleared"})
}

// Batches lists archived batches, newest first.
//
//	GET /api/v1/sync/batches?page=1&pageSize=20
func (h *Handler) Batches(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", defaultPageSize)

	summaries, err := h.history.ListBatches(page, pageSize)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("list batches failed")
		rw.InternalError("failed to list batches")
		return
	}

	rw.SuccessWithPagination(summaries, &PaginationMeta{
		Count:   len(summaries),
		Page:    page,
		Limit:   pageSize,
		HasMore: len(summaries) == pageSize,
	})
}

// BatchDetail returns one archived batch with its per-record outcomes.
//
//	GET /api/v1/sync/batches/{batchId}
func (h *Handler) BatchDetail(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	batchID := chi.URLParam(r, "batchId")
	detail, err := h.history.GetBatchDetail(batchID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			rw.NotFound("batch not found")
			return
		}
		logging.Ctx(r.Context()).Error().Str("batch_id", batchID).Err(err).Msg("get batch failed")
		rw.InternalError("failed to load batch")
		return
	}

	rw.Success(detail)
}

// Receipt is the vendor callback reporting one record's outcome. Late and
// duplicate receipts are acknowledged but not applied, so devices never
// retry them.
//
//	POST /api/v1/receipts
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req receiptRequest
	if err := decodeAndValidate(r, &req); err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}

	err := h.engine.Receipt(req.BatchID, req.LotusID, req.Success, req.Code, req.Message)
	if errors.Is(err, engine.ErrLateReceipt) {
		rw.Success(map[string]any{"accepted": false, "code": ErrCodeLateReceipt})
		return
	}

	rw.Success(map[string]any{"accepted": true})
}

// WebSocket upgrades the connection and registers the client with the hub.
// The client immediately receives a full snapshot, then the live stream.
//
//	GET /api/v1/ws
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// Health is the liveness endpoint.
//
//	GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
