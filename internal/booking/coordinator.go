// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/boxoffice/internal/catalog"
	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/ledger"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
	"github.com/tomtom215/boxoffice/internal/resilience"
)

// LedgerBreaker is the registry key guarding the capacity ledger.
const LedgerBreaker = "ledger"

// CapacitySource resolves an event's capacity.
type CapacitySource interface {
	GetEvent(ctx context.Context, eventID string) (*catalog.Event, error)
}

// Coordinator runs the booking lifecycle. It is safe for concurrent use
// and holds no locks across I/O: reservation atomicity comes from the
// ledger, transition atomicity from the store.
type Coordinator struct {
	catalog  CapacitySource
	ledger   ledger.Ledger
	store    Store
	emitter  events.Emitter
	breakers *resilience.Registry
	cfg      Config
	now      func() time.Time
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(
	cfg Config,
	source CapacitySource,
	l ledger.Ledger,
	store Store,
	emitter events.Emitter,
	breakers *resilience.Registry,
) *Coordinator {
	if cfg.ConfirmationMode == "" {
		cfg.ConfirmationMode = ConfirmImmediate
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 10 * time.Second
	}
	return &Coordinator{
		catalog:  source,
		ledger:   l,
		store:    store,
		emitter:  emitter,
		breakers: breakers,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Book reserves seats and records the booking.
func (c *Coordinator) Book(ctx context.Context, req BookRequest) (b *Booking, err error) {
	start := time.Now()
	defer func() { metrics.RecordBooking("book", outcomeLabel(err), time.Since(start)) }()

	if err := c.validate(req); err != nil {
		return nil, err
	}

	event, err := c.catalog.GetEvent(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, catalog.ErrEventNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, req.EventID)
		}
		return nil, fmt.Errorf("%w: catalog: %w", ErrDependencyUnavailable, err)
	}

	reserved, err := c.reserve(ctx, req.EventID, req.Seats, event.Capacity)
	if err != nil {
		return nil, err
	}

	status := StatusConfirmed
	if c.cfg.ConfirmationMode == ConfirmPayment {
		status = StatusPending
	}
	now := c.now()
	b = &Booking{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		EventID:   req.EventID,
		Seats:     req.Seats,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.store.Create(ctx, b); err != nil {
		c.compensate(ctx, b, err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	logging.Ctx(ctx).Info().
		Str("booking_id", b.ID).
		Str("event_id", b.EventID).
		Str("user_id", b.UserID).
		Int64("seats", b.Seats).
		Int64("reserved", reserved).
		Int64("capacity", event.Capacity).
		Str("status", string(b.Status)).
		Msg("Booking created")

	c.emit(ctx, events.BookingCreated, b)
	return b, nil
}

// Cancel moves a booking to cancelled and releases its seats.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (b *Booking, err error) {
	start := time.Now()
	defer func() { metrics.RecordBooking("cancel", outcomeLabel(err), time.Since(start)) }()

	current, err := c.owned(ctx, req.BookingID, req.UserID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCancelled {
		return nil, ErrAlreadyCancelled
	}

	reason := req.Reason
	if reason == "" {
		reason = ReasonUserRequested
	}

	b, prev, err := c.markCancelled(ctx, current, reason)
	if err != nil {
		return nil, err
	}

	// The status change is the single point that decides who releases. If
	// the release fails the booking goes back to its previous status so a
	// retried cancel releases the seats.
	if err := c.release(ctx, b); err != nil {
		log := logging.Ctx(ctx).Error().
			Err(err).
			Str("booking_id", b.ID).
			Str("event_id", b.EventID).
			Int64("seats", b.Seats)
		if restoreErr := c.restore(ctx, b, prev); restoreErr != nil {
			log.AnErr("restore_error", restoreErr).Msg("Booking cancelled but seats could not be released")
		} else {
			log.Str("restored_status", string(prev)).Msg("Seats could not be released; cancellation rolled back")
		}
		return nil, fmt.Errorf("%w: release seats: %w", ErrPersistence, err)
	}

	logging.Ctx(ctx).Info().
		Str("booking_id", b.ID).
		Str("event_id", b.EventID).
		Int64("seats", b.Seats).
		Str("reason", reason).
		Msg("Booking cancelled")

	c.emit(ctx, events.BookingCancelled, b)
	return b, nil
}

// Confirm moves a pending booking to confirmed. Confirming a confirmed
// booking returns it unchanged and emits nothing.
func (c *Coordinator) Confirm(ctx context.Context, bookingID string) (b *Booking, err error) {
	start := time.Now()
	defer func() { metrics.RecordBooking("confirm", outcomeLabel(err), time.Since(start)) }()

	current, err := c.owned(ctx, bookingID, "")
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case StatusConfirmed:
		return current, nil
	case StatusCancelled:
		return nil, fmt.Errorf("%w: booking %s is cancelled", ErrInvalidTransition, bookingID)
	}

	b, err = c.store.Transition(ctx, bookingID, []Status{StatusPending}, StatusConfirmed, "")
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			if b != nil && b.Status == StatusConfirmed {
				return b, nil
			}
			return nil, fmt.Errorf("%w: booking %s is cancelled", ErrInvalidTransition, bookingID)
		}
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	logging.Ctx(ctx).Info().Str("booking_id", b.ID).Msg("Booking confirmed")
	c.emit(ctx, events.BookingConfirmed, b)
	return b, nil
}

// Get returns a booking by id.
func (c *Coordinator) Get(ctx context.Context, bookingID string) (*Booking, error) {
	return c.store.Get(ctx, bookingID)
}

// ListByUser returns a user's bookings, newest first.
func (c *Coordinator) ListByUser(ctx context.Context, userID string) ([]*Booking, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	return c.store.ListByUser(ctx, userID)
}

// Consistency compares the ledger with the stored bookings for one event.
type Consistency struct {
	EventID  string `json:"event_id"`
	Reserved int64  `json:"reserved"`
	Held     int64  `json:"held"`
}

// Drift is Reserved minus Held. Zero means the ledger and the store agree.
func (c Consistency) Drift() int64 { return c.Reserved - c.Held }

// CheckConsistency reports the ledger count and the seats held by pending
// and confirmed bookings for an event.
func (c *Coordinator) CheckConsistency(ctx context.Context, eventID string) (Consistency, error) {
	reserved, err := c.ledger.Reserved(ctx, eventID)
	if errors.Is(err, ledger.ErrInvalidEventID) {
		return Consistency{}, &ValidationError{Field: "resourceId", Message: err.Error()}
	}
	if err != nil {
		return Consistency{}, fmt.Errorf("%w: ledger: %w", ErrDependencyUnavailable, err)
	}
	held, err := c.store.SumSeats(ctx, eventID)
	if err != nil {
		return Consistency{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return Consistency{EventID: eventID, Reserved: reserved, Held: held}, nil
}

func (c *Coordinator) validate(req BookRequest) error {
	switch {
	case req.UserID == "":
		return &ValidationError{Field: "user_id", Message: "is required"}
	case req.EventID == "":
		return &ValidationError{Field: "resourceId", Message: "is required"}
	case req.Seats <= 0:
		return &ValidationError{Field: "quantity", Message: "must be a positive integer"}
	case c.cfg.MaxSeatsPerBooking > 0 && req.Seats > c.cfg.MaxSeatsPerBooking:
		return &ValidationError{Field: "quantity", Message: fmt.Sprintf("must not exceed %d", c.cfg.MaxSeatsPerBooking)}
	}
	return nil
}

// owned loads a booking. A non-empty userID must own it; otherwise the
// booking is reported as not found so ids of other users do not leak.
func (c *Coordinator) owned(ctx context.Context, bookingID, userID string) (*Booking, error) {
	if bookingID == "" {
		return nil, &ValidationError{Field: "booking_id", Message: "is required"}
	}
	b, err := c.store.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if userID != "" && b.UserID != userID {
		return nil, ErrBookingNotFound
	}
	return b, nil
}

func (c *Coordinator) reserve(ctx context.Context, eventID string, seats, capacity int64) (int64, error) {
	reserved, err := resilience.Execute(ctx, c.breakers, LedgerBreaker, func(ctx context.Context) (int64, error) {
		n, err := c.ledger.Reserve(ctx, eventID, seats, capacity)
		if isLedgerAnswer(err) {
			return n, resilience.Permanent(err)
		}
		return n, err
	})
	switch {
	case err == nil:
		return reserved, nil
	case errors.Is(err, ledger.ErrInsufficientCapacity):
		return 0, fmt.Errorf("%w: %d seats requested for %s (capacity %d)", ErrInsufficientCapacity, seats, eventID, capacity)
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return 0, &ValidationError{Field: "quantity", Message: err.Error()}
	case errors.Is(err, ledger.ErrInvalidEventID):
		return 0, &ValidationError{Field: "resourceId", Message: err.Error()}
	default:
		return 0, fmt.Errorf("%w: ledger: %w", ErrDependencyUnavailable, err)
	}
}

// isLedgerAnswer reports errors that say nothing about the ledger's health:
// rejected input, and contention that the ledger already retried.
func isLedgerAnswer(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientCapacity) ||
		errors.Is(err, ledger.ErrReleaseExceedsReserved) ||
		errors.Is(err, ledger.ErrInvalidQuantity) ||
		errors.Is(err, ledger.ErrInvalidEventID) ||
		errors.Is(err, ledger.ErrContention)
}

// release returns a booking's seats to the ledger. It outlives the caller's
// context: once the status has changed the seats must come back.
func (c *Coordinator) release(ctx context.Context, b *Booking) error {
	ctx, cancel := c.detached(ctx)
	defer cancel()

	_, err := resilience.Retry(ctx, c.breakers.RetryConfig(), "ledger-release", func(ctx context.Context) (int64, error) {
		n, err := c.ledger.Release(ctx, b.EventID, b.Seats)
		if isLedgerAnswer(err) {
			return n, resilience.Permanent(err)
		}
		return n, err
	})
	return err
}

// detached returns a context that survives the caller going away, so a
// cancellation is never left half done.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
}

// markCancelled moves the booking from the status it was read in to
// cancelled and returns the status it replaced. A concurrent confirm is
// followed so that status is the one to restore after a failed release.
func (c *Coordinator) markCancelled(ctx context.Context, current *Booking, reason string) (*Booking, Status, error) {
	ctx, cancel := c.detached(ctx)
	defer cancel()

	prev := current.Status
	for {
		b, err := c.store.Transition(ctx, current.ID, []Status{prev}, StatusCancelled, reason)
		switch {
		case err == nil:
			return b, prev, nil
		case errors.Is(err, ErrStatusConflict) && b != nil && b.Status.Holds() && b.Status != prev:
			prev = b.Status
		case errors.Is(err, ErrStatusConflict):
			return nil, "", ErrAlreadyCancelled
		case errors.Is(err, ErrBookingNotFound):
			return nil, "", err
		default:
			return nil, "", fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
}

// restore undoes a cancellation whose release failed. If this also fails
// the booking stays cancelled while its seats stay reserved, which
// CheckConsistency reports as drift.
func (c *Coordinator) restore(ctx context.Context, b *Booking, prev Status) error {
	ctx, cancel := c.detached(ctx)
	defer cancel()

	if _, err := c.store.Transition(ctx, b.ID, []Status{StatusCancelled}, prev, ""); err != nil {
		return fmt.Errorf("restore booking %s to %s: %w", b.ID, prev, err)
	}
	return nil
}

func (c *Coordinator) compensate(ctx context.Context, b *Booking, cause error) {
	err := c.release(ctx, b)
	metrics.RecordCompensation(err)

	log := logging.Ctx(ctx)
	if err != nil {
		log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("event_id", b.EventID).
			Int64("seats", b.Seats).
			Msg("Compensating release failed; ledger and bookings diverge")
		return
	}
	log.Warn().
		Err(cause).
		Str("event_id", b.EventID).
		Int64("seats", b.Seats).
		Msg("Booking write failed; reserved seats released")
}

// emit enqueues a lifecycle event. Failure never fails the operation.
func (c *Coordinator) emit(ctx context.Context, t events.Type, b *Booking) {
	ctx = context.WithoutCancel(ctx)

	env, err := events.New(t, b.ID, events.BookingPayload{
		BookingID: b.ID,
		UserID:    b.UserID,
		EventID:   b.EventID,
		Seats:     b.Seats,
		Status:    string(b.Status),
		Reason:    b.CancelReason,
	})
	if err == nil {
		err = c.emitter.Emit(ctx, env)
	}
	if err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("event_type", string(t)).
			Str("booking_id", b.ID).
			Msg("Failed to emit booking event")
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrEventNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
