// Fleetsync - Device Fleet Synchronization Engine
// Copyright 2026 Lotus HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lotushq/fleetsync

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/lotushq/fleetsync/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// startSyncRequest is the body of POST /sync/start.
type startSyncRequest struct {
	Strategy       string `json:"strategy" validate:"required,oneof=all unsynced changed"`
	PhotoFormat    string `json:"photoFormat" validate:"required,oneof=url base64"`
	ValidatePhotos bool   `json:"validatePhotos"`
}

// syncOneRequest is the body of POST /sync/one.
type syncOneRequest struct {
	LotusID string `json:"lotusId" validate:"required"`
}

// retryRequest is the body of POST /sync/retry. PhotoFormat is optional and
// switches the encoding of the retried records, the usual move after url-mode
// deliveries failed.
type retryRequest struct {
	FailedUsers []retryUser `json:"failedUsers" validate:"required,min=1,dive"`
	PhotoFormat *string     `json:"photoFormat" validate:"omitempty,oneof=url base64"`
}

type retryUser struct {
	LotusID string `json:"lotusId" validate:"required"`
	Name    string `json:"name"`
}

// receiptRequest is the vendor callback body reporting one record's outcome.
type receiptRequest struct {
	BatchID string `json:"batchId" validate:"required"`
	LotusID string `json:"lotusId" validate:"required"`
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r retryRequest) failedUsers() []models.FailedUser {
	out := make([]models.FailedUser, 0, len(r.FailedUsers))
	for _, u := range r.FailedUsers {
		out = append(out, models.FailedUser{LotusID: u.LotusID, Name: u.Name})
	}
	return out
}

func (r retryRequest) format() *models.PhotoFormat {
	if r.PhotoFormat == nil {
		return nil
	}
	f := models.PhotoFormat(*r.PhotoFormat)
	return &f
}

// decodeAndValidate parses the request body into dst and runs struct
// validation. Returns a client-facing error message on failure.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %s failed validation on %s", f.Field(), f.Tag())
		}
		return err
	}
	return nil
}
