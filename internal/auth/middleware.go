// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tomtom215/boxoffice/internal/logging"
)

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// Middleware enforces bearer-token authentication.
type Middleware struct {
	verifier Verifier
	onError  ErrorWriter
}

// NewMiddleware creates the middleware. onError may be nil.
func NewMiddleware(verifier Verifier, onError ErrorWriter) *Middleware {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, status int, err error) {
			http.Error(w, err.Error(), status)
		}
	}
	return &Middleware{verifier: verifier, onError: onError}
}

// Authenticate verifies the bearer token and stores the Subject in the
// request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			m.onError(w, r, http.StatusUnauthorized, ErrNoCredentials)
			return
		}

		subject, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrUnavailable) {
				status = http.StatusServiceUnavailable
			}
			logging.Ctx(r.Context()).Warn().Err(err).Int("status", status).Msg("Token verification failed")
			m.onError(w, r, status, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
