// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

/*
Package booking coordinates seat reservations.

A booking request runs through four steps, each of which can fail on its own:

 1. resolve the event's capacity from the catalog (circuit breaker + retry)
 2. atomically reserve the seats in the capacity ledger
 3. persist the booking record
 4. enqueue a booking.created event

Failures before step 2 mutate nothing. A persistence failure after a
successful reservation releases the seats before the error is returned,
so the ledger never diverges from the stored bookings. A failure in step 4
is logged and counted; the booking has already succeeded.

Cancellation and confirmation are conditional status transitions in the
store, so two concurrent cancels release the seats once. A cancellation
whose release fails is moved back to its previous status, so retrying it
releases the seats.
*/
package booking

import (
	"context"
	"time"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// Holds reports whether a booking in this status holds seats in the ledger.
func (s Status) Holds() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Booking is a reservation of seats for one event by one user. Bookings
// are never deleted, only moved to cancelled.
type Booking struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	EventID      string    `json:"event_id"`
	Seats        int64     `json:"seats"`
	Status       Status    `json:"status"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists bookings.
type Store interface {
	// Create inserts b.
	Create(ctx context.Context, b *Booking) error

	// Get returns ErrBookingNotFound when id is unknown.
	Get(ctx context.Context, id string) (*Booking, error)

	// ListByUser returns the user's bookings, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Booking, error)

	// Transition moves the booking to "to" only if its current status is
	// one of "from", and returns the updated booking. If the status does
	// not match it returns the unchanged booking with ErrStatusConflict.
	// Moving out of cancelled clears the cancel reason.
	Transition(ctx context.Context, id string, from []Status, to Status, reason string) (*Booking, error)

	// SumSeats returns the seats held by pending and confirmed bookings
	// for an event.
	SumSeats(ctx context.Context, eventID string) (int64, error)
}

// Confirmation modes.
const (
	ConfirmImmediate = "immediate"
	ConfirmPayment   = "payment"
)

// Config configures the coordinator.
type Config struct {
	// ConfirmationMode is "immediate" (bookings are created confirmed) or
	// "payment" (created pending until payment.completed).
	ConfirmationMode string `koanf:"confirmation_mode"`

	// MaxSeatsPerBooking rejects larger requests; zero disables the check.
	MaxSeatsPerBooking int64 `koanf:"max_seats_per_booking"`

	// CompensationTimeout bounds the release issued after a failed write.
	CompensationTimeout time.Duration `koanf:"compensation_timeout"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmationMode:    ConfirmImmediate,
		MaxSeatsPerBooking:  20,
		CompensationTimeout: 10 * time.Second,
	}
}

// BookRequest asks for seats.
type BookRequest struct {
	UserID  string
	EventID string
	Seats   int64
}

// CancelRequest cancels a booking. An empty UserID is a system actor
// (e.g. a failed payment) and skips the ownership check.
type CancelRequest struct {
	BookingID string
	UserID    string
	Reason    string
}

// Cancellation reasons.
const (
	ReasonUserRequested = "user_requested"
	ReasonPaymentFailed = "payment_failed"
)
