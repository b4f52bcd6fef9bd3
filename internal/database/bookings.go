// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/boxoffice/internal/booking"
)

var _ booking.Store = (*DB)(nil)

const bookingColumns = `id, user_id, event_id, seats, status, cancel_reason, created_at, updated_at`

// Create inserts a booking.
func (db *DB) Create(ctx context.Context, b *booking.Booking) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.EventID, b.Seats, string(b.Status), b.CancelReason,
		b.CreatedAt.UnixNano(), b.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert booking %s: %w", b.ID, err)
	}
	return nil
}

// Get returns a booking by id.
func (db *DB) Get(ctx context.Context, id string) (*booking.Booking, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", booking.ErrBookingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

// ListByUser returns a user's bookings, newest first.
func (db *DB) ListByUser(ctx context.Context, userID string) ([]*booking.Booking, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*booking.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return out, nil
}

// Transition performs a conditional status update. The WHERE clause on
// the current status makes the check and the write one statement, and
// RETURNING reads the result in that same statement so a committed change
// is never reported as a failure. Leaving cancelled clears the reason.
func (db *DB) Transition(ctx context.Context, id string, from []booking.Status, to booking.Status, reason string) (*booking.Booking, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition %s: no source status", id)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), time.Now().UTC().UnixNano()}
	reasonSet := ""
	switch {
	case to != booking.StatusCancelled:
		reasonSet = ", cancel_reason = ''"
	case reason != "":
		reasonSet = ", cancel_reason = ?"
		args = append(args, reason)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	row := db.conn.QueryRowContext(ctx,
		`UPDATE bookings SET status = ?, updated_at = ?`+reasonSet+
			` WHERE id = ? AND status IN (`+placeholders+`) RETURNING `+bookingColumns,
		args...,
	)
	b, err := scanBooking(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update booking %s: %w", id, err)
	}

	current, err := db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, fmt.Errorf("%w: %s is %s", booking.ErrStatusConflict, id, current.Status)
}

// SumSeats returns the seats held by pending and confirmed bookings.
func (db *DB) SumSeats(ctx context.Context, eventID string) (int64, error) {
	var total sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT SUM(seats) FROM bookings WHERE event_id = ? AND status IN (?, ?)`,
		eventID, string(booking.StatusPending), string(booking.StatusConfirmed),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum seats for %s: %w", eventID, err)
	}
	return total.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*booking.Booking, error) {
	var (
		b                booking.Booking
		status           string
		created, updated int64
	)
	if err := s.Scan(&b.ID, &b.UserID, &b.EventID, &b.Seats, &status, &b.CancelReason, &created, &updated); err != nil {
		return nil, err
	}
	b.Status = booking.Status(status)
	b.CreatedAt = time.Unix(0, created).UTC()
	b.UpdatedAt = time.Unix(0, updated).UTC()
	return &b, nil
}
