// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package middleware holds the HTTP middleware shared by the API router.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tomtom215/boxoffice/internal/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// CorrelationIDHeader lets a caller tie its request to a booking flow.
const CorrelationIDHeader = "X-Correlation-ID"

// RequestID reuses an upstream X-Request-ID or generates one, echoes it on
// the response and stores it, with a correlation id, in the request
// context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		correlationID := r.Header.Get(CorrelationIDHeader)
		if correlationID == "" || len(correlationID) > 128 {
			correlationID = logging.NewCorrelationID()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		ctx = logging.ContextWithCorrelationID(ctx, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
