// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package analytics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tomtom215/boxoffice/internal/events"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Threads: 1, MaxMemory: "128MB"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bookingEvent(t *testing.T, typ events.Type, bookingID, user, resource string, seats int64) events.Envelope {
	t.Helper()
	env, err := events.New(typ, bookingID, events.BookingPayload{
		BookingID: bookingID,
		UserID:    user,
		EventID:   resource,
		Seats:     seats,
	})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return env
}

func TestProjectIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	created := bookingEvent(t, events.BookingCreated, "b-1", "alice", "concert", 3)

	for i := 0; i < 3; i++ {
		if err := s.Project(ctx, created); err != nil {
			t.Fatalf("Project #%d: %v", i, err)
		}
	}

	stats, err := s.ResourceStats(ctx, "concert")
	if err != nil {
		t.Fatalf("ResourceStats: %v", err)
	}
	if stats.Created != 1 || stats.SeatsBooked != 3 {
		t.Errorf("stats = %+v, want one booking of 3 seats", stats)
	}
}

func TestResourceStats(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	envs := []events.Envelope{
		bookingEvent(t, events.BookingCreated, "b-1", "alice", "concert", 3),
		bookingEvent(t, events.BookingCreated, "b-2", "bob", "concert", 2),
		bookingEvent(t, events.BookingConfirmed, "b-2", "bob", "concert", 2),
		bookingEvent(t, events.BookingCancelled, "b-1", "alice", "concert", 3),
		bookingEvent(t, events.BookingCreated, "b-3", "carol", "opera", 7),
	}
	for _, env := range envs {
		if err := s.Project(ctx, env); err != nil {
			t.Fatalf("Project: %v", err)
		}
	}

	stats, err := s.ResourceStats(ctx, "concert")
	if err != nil {
		t.Fatalf("ResourceStats: %v", err)
	}
	want := ResourceStats{ResourceID: "concert", Created: 2, Confirmed: 1, Cancelled: 1, SeatsBooked: 5, SeatsCancelled: 3}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if stats.SeatsHeld() != 2 {
		t.Errorf("SeatsHeld = %d, want 2", stats.SeatsHeld())
	}

	empty, err := s.ResourceStats(ctx, "nothing")
	if err != nil {
		t.Fatalf("ResourceStats: %v", err)
	}
	if empty.Created != 0 || empty.SeatsBooked != 0 {
		t.Errorf("empty = %+v", empty)
	}
}

func TestUserActivity(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	for _, typ := range []events.Type{events.UserLogin, events.UserLogin, events.UserLogout} {
		env, err := events.New(typ, "alice", events.UserPayload{UserID: "alice"})
		if err != nil {
			t.Fatalf("events.New: %v", err)
		}
		if err := s.Project(ctx, env); err != nil {
			t.Fatalf("Project: %v", err)
		}
	}

	got, err := s.UserActivity(ctx, "alice")
	if err != nil {
		t.Fatalf("UserActivity: %v", err)
	}
	if got[string(events.UserLogin)] != 2 || got[string(events.UserLogout)] != 1 {
		t.Errorf("activity = %v", got)
	}
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	created := bookingEvent(t, events.BookingCreated, "b-1", "alice", "concert", 1)
	failed, err := events.New(events.PaymentFailed, "b-1", events.PaymentPayload{PaymentID: "p-1", BookingID: "b-1"})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}

	for _, env := range []events.Envelope{created, failed, created} {
		if err := s.Audit(ctx, env, "consistency-worker"); err != nil {
			t.Fatalf("Audit: %v", err)
		}
	}

	rows, err := s.AuditTrail(ctx, "b-1")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	byType := map[string]AuditRow{}
	for _, r := range rows {
		byType[r.EventType] = r
	}
	if r := byType[string(events.BookingCreated)]; r.ActorID != "alice" || r.Action != "booking_created" || r.Consumer != "consistency-worker" {
		t.Errorf("created row = %+v", r)
	}
	if r := byType[string(events.PaymentFailed)]; r.ActorID != "system" {
		t.Errorf("payment row actor = %q, want system", r.ActorID)
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "analytics.duckdb")
	s, err := Open(Config{Path: path, Threads: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.Project(ctx, bookingEvent(t, events.BookingCreated, "b-1", "alice", "concert", 2)); err != nil {
		t.Fatalf("Project: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path, Threads: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	stats, err := reopened.ResourceStats(ctx, "concert")
	if err != nil {
		t.Fatalf("ResourceStats: %v", err)
	}
	if stats.SeatsBooked != 2 {
		t.Errorf("seats after reopen = %d, want 2", stats.SeatsBooked)
	}
}
