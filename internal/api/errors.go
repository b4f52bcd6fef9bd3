// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package api

import (
	"errors"
	"net/http"

	"github.com/tomtom215/boxoffice/internal/auth"
	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/logging"
)

// writeBookingError maps coordinator errors to HTTP responses. Internal
// causes are logged, never sent to the client.
func writeBookingError(w http.ResponseWriter, r *http.Request, err error) {
	rw := NewResponseWriter(w, r)

	var verr *booking.ValidationError
	if errors.As(err, &verr) {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, verr.Error(),
			map[string]any{"field": verr.Field})
		return
	}

	switch {
	case errors.Is(err, booking.ErrInsufficientCapacity):
		rw.Error(http.StatusConflict, ErrCodeInsufficientCapacity, "Not enough seats available")
	case errors.Is(err, booking.ErrBookingNotFound):
		rw.Error(http.StatusNotFound, ErrCodeNotFound, "Booking not found")
	case errors.Is(err, booking.ErrEventNotFound):
		rw.Error(http.StatusNotFound, ErrCodeNotFound, "Event not found")
	case errors.Is(err, booking.ErrAlreadyCancelled):
		rw.Error(http.StatusBadRequest, ErrCodeAlreadyCancelled, "Booking is already cancelled")
	case errors.Is(err, booking.ErrInvalidTransition):
		rw.Error(http.StatusConflict, ErrCodeConflict, "Booking cannot be confirmed in its current status")
	case errors.Is(err, booking.ErrDependencyUnavailable):
		logging.Ctx(r.Context()).Warn().Err(err).Msg("Booking dependency unavailable")
		w.Header().Set("Retry-After", "30")
		rw.Error(http.StatusServiceUnavailable, ErrCodeDependencyUnavailable, "A required service is unavailable, try again later")
	case errors.Is(err, booking.ErrPersistence):
		logging.Ctx(r.Context()).Error().Err(err).Msg("Booking persistence failed")
		rw.Error(http.StatusInternalServerError, ErrCodePersistenceFailed, "The booking could not be saved")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("Unexpected booking error")
		rw.Error(http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
	}
}

// writeAuthError renders failures of the authentication middleware.
func writeAuthError(w http.ResponseWriter, r *http.Request, status int, err error) {
	rw := NewResponseWriter(w, r)
	if status == http.StatusServiceUnavailable {
		rw.Error(status, ErrCodeServiceUnavailable, "Authentication service unavailable")
		return
	}

	message := "Invalid or missing credentials"
	switch {
	case errors.Is(err, auth.ErrNoCredentials):
		message = "Authorization header with a bearer token is required"
	case errors.Is(err, auth.ErrExpiredCredentials):
		message = "Token has expired"
	}
	rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, message)
}
