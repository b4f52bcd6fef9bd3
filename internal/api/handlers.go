// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/boxoffice/internal/auth"
	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/validation"
)

// maxBodyBytes bounds request bodies. Booking requests are tiny.
const maxBodyBytes = 16 << 10

// BookingService is the part of booking.Coordinator the API drives.
type BookingService interface {
	Book(ctx context.Context, req booking.BookRequest) (*booking.Booking, error)
	Cancel(ctx context.Context, req booking.CancelRequest) (*booking.Booking, error)
	Confirm(ctx context.Context, bookingID string) (*booking.Booking, error)
	Get(ctx context.Context, bookingID string) (*booking.Booking, error)
	ListByUser(ctx context.Context, userID string) ([]*booking.Booking, error)
	CheckConsistency(ctx context.Context, eventID string) (booking.Consistency, error)
}

// BreakerRegistry exposes breaker state for operators.
type BreakerRegistry interface {
	Snapshot() []resilience.Stats
	Reset(name string) bool
}

// Pinger is a readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler serves the booking API.
type Handler struct {
	bookings     BookingService
	breakers     BreakerRegistry
	checks       map[string]Pinger
	readyTimeout time.Duration
	startTime    time.Time
	live         http.Handler
}

// NewHandler creates a handler. checks are run by the readiness probe,
// keyed by the name reported in its response.
func NewHandler(bookings BookingService, breakers BreakerRegistry, checks map[string]Pinger) *Handler {
	return &Handler{
		bookings:     bookings,
		breakers:     breakers,
		checks:       checks,
		readyTimeout: 2 * time.Second,
		startTime:    time.Now(),
	}
}

// WithLive mounts live, a websocket feed of seat changes, at
// GET /ws/availability.
func (h *Handler) WithLive(live http.Handler) *Handler {
	h.live = live
	return h
}

// BookRequest is the body of POST /book.
type BookRequest struct {
	ResourceID string `json:"resourceId" validate:"required,identifier"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
}

// BookingStatusResponse is returned by booking and cancellation.
type BookingStatusResponse struct {
	BookingID string         `json:"bookingId"`
	Status    booking.Status `json:"status"`
}

// BookingListResponse is returned by GET /my-bookings.
type BookingListResponse struct {
	Bookings []*booking.Booking `json:"bookings"`
	Count    int                `json:"count"`
}

// ConsistencyResponse compares the ledger with stored bookings.
type ConsistencyResponse struct {
	ResourceID string `json:"resourceId"`
	Reserved   int64  `json:"reserved"`
	Held       int64  `json:"held"`
	Drift      int64  `json:"drift"`
}

// Book reserves seats for the caller.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	var req BookRequest
	if err := decodeJSON(r, &req); err != nil {
		NewResponseWriter(w, r).Error(http.StatusBadRequest, ErrCodeBadRequest, "Request body must be a JSON object with resourceId and quantity")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		NewResponseWriter(w, r).ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, verr.Error(), verr.Details())
		return
	}

	b, err := h.bookings.Book(r.Context(), booking.BookRequest{
		UserID:  subject.UserID,
		EventID: req.ResourceID,
		Seats:   req.Quantity,
	})
	if err != nil {
		writeBookingError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Created(BookingStatusResponse{BookingID: b.ID, Status: b.Status})
}

// CancelBooking cancels one of the caller's bookings.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	b, err := h.bookings.Cancel(r.Context(), booking.CancelRequest{
		BookingID: chi.URLParam(r, "id"),
		UserID:    subject.UserID,
		Reason:    booking.ReasonUserRequested,
	})
	if err != nil {
		writeBookingError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Success(BookingStatusResponse{BookingID: b.ID, Status: b.Status})
}

// GetBooking returns one of the caller's bookings.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	b, err := h.ownedBooking(r.Context(), chi.URLParam(r, "id"), subject.UserID)
	if err != nil {
		writeBookingError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Success(b)
}

// ConfirmBooking confirms one of the caller's pending bookings.
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := h.ownedBooking(r.Context(), id, subject.UserID); err != nil {
		writeBookingError(w, r, err)
		return
	}
	b, err := h.bookings.Confirm(r.Context(), id)
	if err != nil {
		writeBookingError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Success(BookingStatusResponse{BookingID: b.ID, Status: b.Status})
}

// MyBookings lists the caller's bookings, newest first.
func (h *Handler) MyBookings(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	list, err := h.bookings.ListByUser(r.Context(), subject.UserID)
	if err != nil {
		writeBookingError(w, r, err)
		return
	}
	if list == nil {
		list = []*booking.Booking{}
	}
	NewResponseWriter(w, r).Success(BookingListResponse{Bookings: list, Count: len(list)})
}

// Consistency reports ledger drift for one resource.
func (h *Handler) Consistency(w http.ResponseWriter, r *http.Request) {
	c, err := h.bookings.CheckConsistency(r.Context(), chi.URLParam(r, "resourceId"))
	if err != nil {
		writeBookingError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Success(ConsistencyResponse{
		ResourceID: c.EventID,
		Reserved:   c.Reserved,
		Held:       c.Held,
		Drift:      c.Drift(),
	})
}

// CircuitBreakers lists every breaker's state and counters.
func (h *Handler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]any{"breakers": h.breakers.Snapshot()})
}

// ResetCircuitBreaker closes the named breaker.
func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.breakers.Reset(name) {
		NewResponseWriter(w, r).Error(http.StatusNotFound, ErrCodeNotFound, "Unknown circuit breaker: "+name)
		return
	}
	var userID string
	if subject, ok := auth.SubjectFromContext(r.Context()); ok {
		userID = subject.UserID
	}
	logging.Ctx(r.Context()).Info().
		Str("breaker", name).
		Str("user_id", userID).
		Msg("Circuit breaker reset by operator")
	NewResponseWriter(w, r).Success(map[string]any{"name": name, "state": resilience.StateClosed})
}

// HealthLive reports that the process is up.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]any{
		"status":         "alive",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// HealthReady runs every readiness check and answers 503 if any fails.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			ready = false
			results[name] = err.Error()
			logging.Ctx(ctx).Warn().Err(err).Str("check", name).Msg("Readiness check failed")
			continue
		}
		results[name] = "ok"
	}

	rw := NewResponseWriter(w, r)
	if !ready {
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Not ready", results)
		return
	}
	rw.Success(map[string]any{"status": "ready", "checks": results})
}

// ownedBooking hides bookings of other users behind ErrBookingNotFound.
func (h *Handler) ownedBooking(ctx context.Context, id, userID string) (*booking.Booking, error) {
	b, err := h.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, booking.ErrBookingNotFound
	}
	return b, nil
}

func requireSubject(w http.ResponseWriter, r *http.Request) (*auth.Subject, bool) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, http.StatusUnauthorized, auth.ErrNoCredentials)
		return nil, false
	}
	return subject, true
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}
