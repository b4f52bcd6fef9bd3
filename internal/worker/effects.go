// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/websocket"
)

// Effect names. They are part of the processed-record key, so renaming one
// re-applies it for events still in the stream.
const (
	EffectNotify      = "notify"
	EffectProject     = "analytics"
	EffectAudit       = "audit"
	EffectCatalogSync = "catalog-sync"
	EffectConfirm     = "confirm"
	EffectCancel      = "cancel"
	EffectBroadcast   = "broadcast"
)

// HandlerFunc applies one side effect of an event.
type HandlerFunc func(ctx context.Context, env events.Envelope) error

type effect struct {
	name string
	run  HandlerFunc

	// bestEffort failures are logged and left unrecorded instead of
	// failing the message.
	bestEffort bool
}

// effectTable lists, per event type, the side effects in the order they run.
// State changes come before the notification that announces them.
func (w *Worker) effectTable() map[events.Type][]effect {
	t := map[events.Type][]effect{
		events.BookingCreated:   {w.notifyBooking(NotifyBookingReceived)},
		events.BookingConfirmed: {w.notifyBooking(NotifyBookingConfirmed)},
		events.BookingCancelled: {w.notifyBooking(NotifyBookingCancelled)},
		events.PaymentProcessed: {},
		events.PaymentCompleted: {},
		events.PaymentFailed:    {},
		events.UserRegistered:   {{name: EffectNotify, run: w.welcome}},
		events.UserLogin:        {},
		events.UserLogout:       {},
	}

	if w.deps.Bookings != nil {
		t[events.PaymentCompleted] = append(t[events.PaymentCompleted],
			effect{name: EffectConfirm, run: w.confirm},
			w.notifyPayment(NotifyPaymentReceipt),
		)
		t[events.PaymentFailed] = append(t[events.PaymentFailed],
			effect{name: EffectCancel, run: w.cancel},
			w.notifyPayment(NotifyPaymentFailed),
		)
	}

	if w.cfg.CatalogSync && w.deps.Catalog != nil {
		t[events.BookingCreated] = append(t[events.BookingCreated],
			effect{name: EffectCatalogSync, run: w.syncCatalog, bestEffort: true})
	}

	if w.deps.Broadcaster != nil {
		t[events.BookingCreated] = append(t[events.BookingCreated], w.broadcast(1))
		t[events.BookingConfirmed] = append(t[events.BookingConfirmed], w.broadcast(0))
		t[events.BookingCancelled] = append(t[events.BookingCancelled], w.broadcast(-1))
	}

	if w.deps.Projection != nil {
		for typ := range t {
			t[typ] = append(t[typ],
				effect{name: EffectProject, run: w.deps.Projection.Project},
				effect{name: EffectAudit, run: w.audit},
			)
		}
	}
	return t
}

func decode(env events.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return resilience.Permanent(fmt.Errorf("%s payload: %w", env.EventType, err))
	}
	return nil
}

func (w *Worker) notifyBooking(kind NotificationKind) effect {
	return effect{name: EffectNotify, run: func(ctx context.Context, env events.Envelope) error {
		var p events.BookingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return w.deps.Notifier.Notify(ctx, Notification{
			Kind:          kind,
			UserID:        p.UserID,
			BookingID:     p.BookingID,
			SourceEventID: env.EventID,
		})
	}}
}

func (w *Worker) notifyPayment(kind NotificationKind) effect {
	return effect{name: EffectNotify, run: func(ctx context.Context, env events.Envelope) error {
		p, err := w.paymentPayload(env)
		if err != nil {
			return err
		}
		userID := p.UserID
		if userID == "" {
			b, err := w.deps.Bookings.Get(ctx, p.BookingID)
			if err != nil {
				return w.bookingError(err)
			}
			userID = b.UserID
		}
		return w.deps.Notifier.Notify(ctx, Notification{
			Kind:          kind,
			UserID:        userID,
			BookingID:     p.BookingID,
			SourceEventID: env.EventID,
		})
	}}
}

func (w *Worker) welcome(ctx context.Context, env events.Envelope) error {
	var p events.UserPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	return w.deps.Notifier.Notify(ctx, Notification{
		Kind:          NotifyWelcome,
		UserID:        p.UserID,
		Email:         p.Email,
		SourceEventID: env.EventID,
	})
}

func (w *Worker) paymentPayload(env events.Envelope) (events.PaymentPayload, error) {
	var p events.PaymentPayload
	if err := decode(env, &p); err != nil {
		return p, err
	}
	if p.BookingID == "" {
		return p, resilience.Permanent(fmt.Errorf("%s payload: booking_id is required", env.EventType))
	}
	return p, nil
}

// confirm moves the paid booking to confirmed. A payment arriving for a
// cancelled booking is logged; there is nothing left to confirm.
func (w *Worker) confirm(ctx context.Context, env events.Envelope) error {
	p, err := w.paymentPayload(env)
	if err != nil {
		return err
	}
	_, err = w.deps.Bookings.Confirm(ctx, p.BookingID)
	if errors.Is(err, booking.ErrInvalidTransition) {
		logging.Ctx(ctx).Warn().
			Str("booking_id", p.BookingID).
			Str("payment_id", p.PaymentID).
			Msg("Payment completed for a cancelled booking")
		return nil
	}
	return w.bookingError(err)
}

// cancel is the compensating action for a failed payment.
func (w *Worker) cancel(ctx context.Context, env events.Envelope) error {
	p, err := w.paymentPayload(env)
	if err != nil {
		return err
	}
	_, err = w.deps.Bookings.Cancel(ctx, booking.CancelRequest{
		BookingID: p.BookingID,
		Reason:    booking.ReasonPaymentFailed,
	})
	if errors.Is(err, booking.ErrAlreadyCancelled) {
		return nil
	}
	return w.bookingError(err)
}

// bookingError marks errors that redelivery cannot fix as permanent.
func (w *Worker) bookingError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, booking.ErrBookingNotFound) || booking.IsValidation(err) {
		return resilience.Permanent(err)
	}
	return err
}

func (w *Worker) syncCatalog(ctx context.Context, env events.Envelope) error {
	var p events.BookingPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	return w.deps.Catalog.UpdateCapacity(ctx, p.EventID, p.Seats)
}

// broadcast announces a booking's seat change to live subscribers. sign
// is 1 when the event reserved seats, -1 when it released them and 0 when
// the count did not change.
func (w *Worker) broadcast(sign int64) effect {
	return effect{name: EffectBroadcast, bestEffort: true, run: func(_ context.Context, env events.Envelope) error {
		var p events.BookingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		update := websocket.SeatUpdate{
			ResourceID: p.EventID,
			BookingID:  p.BookingID,
			Status:     p.Status,
			SeatsDelta: sign * p.Seats,
			At:         env.Timestamp,
		}
		if !w.deps.Broadcaster.BroadcastSeatUpdate(update) {
			return errors.New("seat update dropped")
		}
		return nil
	}}
}

func (w *Worker) audit(ctx context.Context, env events.Envelope) error {
	return w.deps.Projection.Audit(ctx, env, w.cfg.Group)
}
