// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/testinfra"
	"github.com/tomtom215/boxoffice/internal/websocket"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	fails int
	delay time.Duration
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails > 0 {
		n.fails--
		return errors.New("smtp unavailable")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fakeProjection struct {
	mu        sync.Mutex
	projected []string
	audited   []string
	fails     int
}

func (p *fakeProjection) Project(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("duckdb busy")
	}
	p.projected = append(p.projected, env.EventID)
	return nil
}

func (p *fakeProjection) Audit(_ context.Context, env events.Envelope, consumer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audited = append(p.audited, consumer+"/"+env.EventID)
	return nil
}

type fakeCatalog struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCatalog) UpdateCapacity(_ context.Context, _ string, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

type fakeBookings struct {
	mu        sync.Mutex
	bookings  map[string]*booking.Booking
	confirmed []string
	cancelled []booking.CancelRequest
	cancelErr error
}

func (b *fakeBookings) Get(_ context.Context, id string) (*booking.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.bookings[id]
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	return bk, nil
}

func (b *fakeBookings) Confirm(_ context.Context, id string) (*booking.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.bookings[id]
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	if bk.Status == booking.StatusCancelled {
		return nil, booking.ErrInvalidTransition
	}
	bk.Status = booking.StatusConfirmed
	b.confirmed = append(b.confirmed, id)
	return bk, nil
}

func (b *fakeBookings) Cancel(_ context.Context, req booking.CancelRequest) (*booking.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return nil, b.cancelErr
	}
	bk, ok := b.bookings[req.BookingID]
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	if bk.Status == booking.StatusCancelled {
		return nil, booking.ErrAlreadyCancelled
	}
	bk.Status = booking.StatusCancelled
	b.cancelled = append(b.cancelled, req)
	return bk, nil
}

type fixture struct {
	worker     *Worker
	notifier   *recordingNotifier
	projection *fakeProjection
	catalog    *fakeCatalog
	bookings   *fakeBookings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		notifier:   &recordingNotifier{},
		projection: &fakeProjection{},
		catalog:    &fakeCatalog{},
		bookings: &fakeBookings{bookings: map[string]*booking.Booking{
			"b-1": {ID: "b-1", UserID: "alice", EventID: "concert", Seats: 2, Status: booking.StatusPending},
		}},
	}
	tr := events.NewMemoryTransport(watermill.NopLogger{})
	t.Cleanup(func() { _ = tr.Close() })

	w, err := New(testConfig(), tr.Subscriber, tr.Publisher, Deps{
		Processed:  NewProcessedStore(testinfra.OpenBadger(t), time.Hour),
		Notifier:   f.notifier,
		Projection: f.projection,
		Catalog:    f.catalog,
		Bookings:   f.bookings,
	}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.worker = w
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryMaxRetries = 1
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	cfg.CloseTimeout = 5 * time.Second
	return cfg
}

func envelopeMessage(t *testing.T, env events.Envelope) *message.Message {
	t.Helper()
	payload, err := events.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return message.NewMessage(watermill.NewUUID(), payload)
}

func newEnvelope(t *testing.T, typ events.Type, aggregateID string, data any) events.Envelope {
	t.Helper()
	env, err := events.New(typ, aggregateID, data)
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return env
}

func bookingCreated(t *testing.T) events.Envelope {
	return newEnvelope(t, events.BookingCreated, "b-1", events.BookingPayload{
		BookingID: "b-1", UserID: "alice", EventID: "concert", Seats: 2, Status: "confirmed",
	})
}

func TestDuplicateEventNotifiesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	env := bookingCreated(t)

	// Two deliveries of the same event with different message ids.
	for i := 0; i < 2; i++ {
		if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}

	notes := f.notifier.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Kind != NotifyBookingReceived || notes[0].UserID != "alice" || notes[0].SourceEventID != env.EventID {
		t.Errorf("notification = %+v", notes[0])
	}
	if len(f.projection.projected) != 1 || len(f.projection.audited) != 1 {
		t.Errorf("projected=%v audited=%v, want one each", f.projection.projected, f.projection.audited)
	}
	if f.catalog.calls != 1 {
		t.Errorf("catalog calls = %d, want 1", f.catalog.calls)
	}
}

// A redelivery that arrives while the first delivery is still running must
// not repeat the side effects.
func TestOverlappingDeliveriesNotifyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.notifier.delay = 20 * time.Millisecond
	env := bookingCreated(t)

	msgs := []*message.Message{envelopeMessage(t, env), envelopeMessage(t, env)}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := f.worker.handle(msg); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := len(f.notifier.all()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	f.projection.mu.Lock()
	defer f.projection.mu.Unlock()
	if len(f.projection.projected) != 1 {
		t.Errorf("projected = %v, want once", f.projection.projected)
	}
}

func TestEventLocksReleaseEntries(t *testing.T) {
	t.Parallel()

	var l eventLocks
	unlockA := l.lock("a")
	unlockB := l.lock("b")
	unlockB()
	unlockA()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locks) != 0 {
		t.Errorf("locks left behind: %d", len(l.locks))
	}
}

func TestRedeliveryResumesAfterFailedEffect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.projection.fails = 1
	env := bookingCreated(t)

	err := f.worker.handle(envelopeMessage(t, env))
	if err == nil {
		t.Fatal("expected projection failure")
	}
	if resilience.IsPermanent(err) {
		t.Errorf("side-effect failure must be retryable: %v", err)
	}

	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := len(f.notifier.all()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	if len(f.projection.projected) != 1 {
		t.Errorf("projected = %v", f.projection.projected)
	}

	rec, ok, err := f.worker.deps.Processed.Get(Key{Group: f.worker.cfg.Group, EventID: env.EventID, Effect: EffectProject})
	if err != nil || !ok {
		t.Fatalf("processed record missing: %v", err)
	}
	if rec.MessageID == "" || rec.AppliedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}
}

func TestMalformedMessageIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("{nope")},
		{"missing event id", []byte(`{"event_type":"booking.created","aggregate_id":"b-1","timestamp":"2026-01-01T00:00:00Z","data":{}}`)},
	}
	for _, tt := range tests {
		err := f.worker.handle(message.NewMessage(watermill.NewUUID(), tt.payload))
		if !resilience.IsPermanent(err) {
			t.Errorf("%s: err = %v, want permanent", tt.name, err)
		}
	}

	bad := newEnvelope(t, events.BookingCreated, "b-1", map[string]any{"seats": "many"})
	if err := f.worker.handle(envelopeMessage(t, bad)); !resilience.IsPermanent(err) {
		t.Errorf("bad payload: err = %v, want permanent", err)
	}
	if n := len(f.notifier.all()); n != 0 {
		t.Errorf("notifications = %d, want 0", n)
	}
}

func TestUnhandledEventTypeIsAcked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	env := newEnvelope(t, events.NotificationSent, "n-1", map[string]string{"channel": "email"})
	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Errorf("handle: %v", err)
	}
}

func TestPaymentCompletedConfirmsBooking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	env := newEnvelope(t, events.PaymentCompleted, "p-1", events.PaymentPayload{PaymentID: "p-1", BookingID: "b-1", Amount: 40})

	for i := 0; i < 2; i++ {
		if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}

	if len(f.bookings.confirmed) != 1 {
		t.Errorf("confirmed = %v, want one call", f.bookings.confirmed)
	}
	notes := f.notifier.all()
	if len(notes) != 1 || notes[0].Kind != NotifyPaymentReceipt || notes[0].UserID != "alice" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestPaymentCompletedForCancelledBooking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.bookings.bookings["b-1"].Status = booking.StatusCancelled
	env := newEnvelope(t, events.PaymentCompleted, "p-1", events.PaymentPayload{PaymentID: "p-1", BookingID: "b-1"})

	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Errorf("handle: %v", err)
	}
}

func TestPaymentFailedCancelsBooking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	env := newEnvelope(t, events.PaymentFailed, "p-1", events.PaymentPayload{PaymentID: "p-1", BookingID: "b-1", UserID: "alice"})

	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.bookings.cancelled) != 1 {
		t.Fatalf("cancelled = %v", f.bookings.cancelled)
	}
	req := f.bookings.cancelled[0]
	if req.UserID != "" || req.Reason != booking.ReasonPaymentFailed {
		t.Errorf("cancel request = %+v, want system actor with payment_failed", req)
	}
	notes := f.notifier.all()
	if len(notes) != 1 || notes[0].Kind != NotifyPaymentFailed {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestPaymentFailedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		bookingID string
		cancelErr error
		permanent bool
		wantErr   bool
	}{
		{"unknown booking", "missing", nil, true, true},
		{"no booking id", "", nil, true, true},
		{"store down", "b-1", booking.ErrPersistence, false, true},
		{"already cancelled", "b-1", booking.ErrAlreadyCancelled, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.bookings.cancelErr = tt.cancelErr
			env := newEnvelope(t, events.PaymentFailed, "p-1", events.PaymentPayload{PaymentID: "p-1", BookingID: tt.bookingID, UserID: "alice"})

			err := f.worker.handle(envelopeMessage(t, env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && resilience.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", resilience.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestCatalogSyncIsBestEffort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.catalog.err = resilience.ErrBreakerOpen
	env := bookingCreated(t)

	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	// Failed syncs are not recorded, so the redelivery tried again.
	if f.catalog.calls != 2 {
		t.Errorf("catalog calls = %d, want 2", f.catalog.calls)
	}
	if n := len(f.notifier.all()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestUserRegisteredSendsWelcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	env := newEnvelope(t, events.UserRegistered, "u-1", events.UserPayload{UserID: "u-1", Email: "u1@example.com"})
	if err := f.worker.handle(envelopeMessage(t, env)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	notes := f.notifier.all()
	if len(notes) != 1 || notes[0].Kind != NotifyWelcome || notes[0].Email != "u1@example.com" {
		t.Errorf("notifications = %+v", notes)
	}

	login := newEnvelope(t, events.UserLogin, "u-1", events.UserPayload{UserID: "u-1"})
	if err := f.worker.handle(envelopeMessage(t, login)); err != nil {
		t.Fatalf("handle login: %v", err)
	}
	if n := len(f.notifier.all()); n != 1 {
		t.Errorf("login should not notify, notifications = %d", n)
	}
	if len(f.projection.projected) != 2 {
		t.Errorf("projected = %v, want registration and login", f.projection.projected)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	tr := events.NewMemoryTransport(watermill.NopLogger{})
	defer func() { _ = tr.Close() }()

	if _, err := New(DefaultConfig(), nil, nil, Deps{Processed: NewProcessedStore(testinfra.OpenBadger(t), 0)}, nil); err == nil {
		t.Error("expected error without subscriber")
	}
	if _, err := New(DefaultConfig(), tr.Subscriber, nil, Deps{}, nil); err == nil {
		t.Error("expected error without processed store")
	}
}

// The router path: events published on the bus are handled, and a
// malformed message ends up on the dead-letter topic.
func TestServeConsumesTopics(t *testing.T) {
	t.Parallel()

	tr := events.NewMemoryTransport(watermill.NopLogger{})
	t.Cleanup(func() { _ = tr.Close() })

	notifier := &recordingNotifier{}
	w, err := New(testConfig(), tr.Subscriber, tr.Publisher, Deps{
		Processed: NewProcessedStore(testinfra.OpenBadger(t), time.Hour),
		Notifier:  notifier,
	}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dead, err := tr.Subscriber.Subscribe(ctx, events.TopicDeadLetter)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- w.Serve(ctx) }()

	env := bookingCreated(t)
	if err := tr.Publisher.Publish(events.TopicBooking, envelopeMessage(t, env), envelopeMessage(t, env)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := tr.Publisher.Publish(events.TopicBooking, message.NewMessage(watermill.NewUUID(), []byte("garbage"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-dead:
		msg.Ack()
		if string(msg.Payload) != "garbage" {
			t.Errorf("dead letter payload = %q", msg.Payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("malformed message never reached the dead-letter topic")
	}

	// The garbage was published after both copies, so they are done.
	if n := len(notifier.all()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}

	cancel()
	select {
	case <-served:
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	updates []websocket.SeatUpdate
	full    bool
}

func (b *fakeBroadcaster) BroadcastSeatUpdate(u websocket.SeatUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return false
	}
	b.updates = append(b.updates, u)
	return true
}

func TestBookingEventsBroadcastSeatChanges(t *testing.T) {
	t.Parallel()

	tr := events.NewMemoryTransport(watermill.NopLogger{})
	t.Cleanup(func() { _ = tr.Close() })

	live := &fakeBroadcaster{}
	w, err := New(testConfig(), tr.Subscriber, tr.Publisher, Deps{
		Processed:   NewProcessedStore(testinfra.OpenBadger(t), time.Hour),
		Notifier:    &recordingNotifier{},
		Broadcaster: live,
	}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := events.BookingPayload{BookingID: "b-1", UserID: "alice", EventID: "concert", Seats: 2}
	created := newEnvelope(t, events.BookingCreated, "b-1", payload)
	payload.Status = "cancelled"
	cancelled := newEnvelope(t, events.BookingCancelled, "b-1", payload)

	// The duplicate delivery of created is not broadcast twice.
	for _, env := range []events.Envelope{created, created, cancelled} {
		if err := w.handle(envelopeMessage(t, env)); err != nil {
			t.Fatalf("handle %s: %v", env.EventType, err)
		}
	}

	if len(live.updates) != 2 {
		t.Fatalf("updates = %+v, want two", live.updates)
	}
	if u := live.updates[0]; u.ResourceID != "concert" || u.SeatsDelta != 2 || !u.At.Equal(created.Timestamp) {
		t.Errorf("created update = %+v", u)
	}
	if u := live.updates[1]; u.SeatsDelta != -2 || u.Status != "cancelled" {
		t.Errorf("cancelled update = %+v", u)
	}
}

func TestDroppedBroadcastDoesNotFailMessage(t *testing.T) {
	t.Parallel()

	tr := events.NewMemoryTransport(watermill.NopLogger{})
	t.Cleanup(func() { _ = tr.Close() })

	w, err := New(testConfig(), tr.Subscriber, tr.Publisher, Deps{
		Processed:   NewProcessedStore(testinfra.OpenBadger(t), time.Hour),
		Notifier:    &recordingNotifier{},
		Broadcaster: &fakeBroadcaster{full: true},
	}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := bookingCreated(t)
	if err := w.handle(envelopeMessage(t, env)); err != nil {
		t.Errorf("handle: %v", err)
	}
	if _, ok, _ := w.deps.Processed.Get(Key{Group: w.cfg.Group, EventID: env.EventID, Effect: EffectBroadcast}); ok {
		t.Error("a dropped broadcast must not be recorded")
	}
}
