// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package worker

import (
	"context"

	"github.com/tomtom215/boxoffice/internal/logging"
)

// NotificationKind names the message sent to a user.
type NotificationKind string

const (
	NotifyWelcome          NotificationKind = "welcome"
	NotifyBookingReceived  NotificationKind = "booking_received"
	NotifyBookingConfirmed NotificationKind = "booking_confirmed"
	NotifyBookingCancelled NotificationKind = "booking_cancelled"
	NotifyPaymentReceipt   NotificationKind = "payment_receipt"
	NotifyPaymentFailed    NotificationKind = "payment_failed"
)

// Notification is one message to one user.
type Notification struct {
	Kind      NotificationKind
	UserID    string
	Email     string
	BookingID string

	// SourceEventID is the domain event that triggered the notification.
	SourceEventID string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

// Notify logs n.
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	logging.Ctx(ctx).Info().
		Str("kind", string(n.Kind)).
		Str("user_id", n.UserID).
		Str("email", n.Email).
		Str("booking_id", n.BookingID).
		Str("source_event_id", n.SourceEventID).
		Msg("Notification sent")
	return nil
}
