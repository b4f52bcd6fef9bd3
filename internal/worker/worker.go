// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

/*
Package worker is the consistency worker: it consumes domain events from
the bus and applies their side effects.

Delivery is at-least-once, so every side effect of an event is recorded in
the ProcessedStore under (consumer group, event id, effect) once it has
succeeded, and skipped when the record is already there. A redelivered
event therefore re-runs only the effects that had not completed. Deliveries
of the same event that overlap, such as a redelivery after AckWait while the
first handler is still running, are handled one after the other.

Errors fall in two classes:
  - permanent (malformed envelope or payload, unknown booking): the message
    is published to the dead-letter topic and acked
  - anything else: retried in-process with backoff, then nacked so the
    broker redelivers it
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/websocket"
)

// Config configures the worker.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Group names the consumer group in processed-effect keys.
	Group string `koanf:"group"`

	// ProcessedTTL bounds how long applied effects are remembered. It should
	// be at least the stream's retention.
	ProcessedTTL time.Duration `koanf:"processed_ttl"`

	CloseTimeout time.Duration `koanf:"close_timeout"`

	RetryMaxRetries      int           `koanf:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
	RetryMultiplier      float64       `koanf:"retry_multiplier"`

	// PoisonTopic receives messages that failed permanently.
	PoisonTopic string `koanf:"poison_topic"`

	// CatalogSync reports new bookings to the catalog.
	CatalogSync bool `koanf:"catalog_sync"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Group:                "consistency-worker",
		ProcessedTTL:         7 * 24 * time.Hour,
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		RetryMultiplier:      2.0,
		PoisonTopic:          events.TopicDeadLetter,
		CatalogSync:          true,
	}
}

// Projection records events for analytics and audit.
type Projection interface {
	Project(ctx context.Context, env events.Envelope) error
	Audit(ctx context.Context, env events.Envelope, consumer string) error
}

// CapacitySyncer reports booked seats to the catalog.
type CapacitySyncer interface {
	UpdateCapacity(ctx context.Context, eventID string, seats int64) error
}

// Bookings is the part of the coordinator driven by payment events.
type Bookings interface {
	Get(ctx context.Context, bookingID string) (*booking.Booking, error)
	Confirm(ctx context.Context, bookingID string) (*booking.Booking, error)
	Cancel(ctx context.Context, req booking.CancelRequest) (*booking.Booking, error)
}

// Broadcaster pushes seat changes to live subscribers.
type Broadcaster interface {
	BroadcastSeatUpdate(update websocket.SeatUpdate) bool
}

// Deps are the worker's collaborators. Processed and Notifier are
// required; a nil Projection, Catalog, Bookings or Broadcaster disables the
// effects that use it.
type Deps struct {
	Processed   *ProcessedStore
	Notifier    Notifier
	Projection  Projection
	Catalog     CapacitySyncer
	Bookings    Bookings
	Broadcaster Broadcaster
}

// Worker consumes the booking, payment and user topics.
type Worker struct {
	cfg      Config
	sub      message.Subscriber
	poison   message.Publisher
	logger   watermill.LoggerAdapter
	deps     Deps
	effects  map[events.Type][]effect
	inflight eventLocks
}

// eventLocks serialises overlapping deliveries of one event, so the
// processed check and the record written after the effect cannot
// interleave with another delivery's.
type eventLocks struct {
	mu    sync.Mutex
	locks map[string]*eventLock
}

type eventLock struct {
	mu   sync.Mutex
	refs int
}

func (l *eventLocks) lock(eventID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*eventLock)
	}
	e, ok := l.locks[eventID]
	if !ok {
		e = &eventLock{}
		l.locks[eventID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, eventID)
		}
		l.mu.Unlock()
	}
}

// New builds a worker reading from sub. Permanently failing messages are
// published on poison; a nil poison publisher leaves them acked and logged.
func New(cfg Config, sub message.Subscriber, poison message.Publisher, deps Deps, logger watermill.LoggerAdapter) (*Worker, error) {
	if sub == nil {
		return nil, errors.New("worker: subscriber is required")
	}
	if deps.Processed == nil {
		return nil, errors.New("worker: processed store is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if cfg.Group == "" {
		cfg.Group = DefaultConfig().Group
	}
	if logger == nil {
		logger = events.NewLogger()
	}

	w := &Worker{
		cfg:    cfg,
		sub:    sub,
		poison: poison,
		logger: logger,
		deps:   deps,
	}
	w.effects = w.effectTable()
	return w, nil
}

// String names the service in the supervisor tree.
func (w *Worker) String() string { return "consistency-worker" }

// Serve runs a router until ctx is done. A fresh router is built on every
// call so the supervisor can restart the service.
func (w *Worker) Serve(ctx context.Context) error {
	router, err := w.newRouter()
	if err != nil {
		return err
	}
	logging.Info().
		Str("group", w.cfg.Group).
		Strs("topics", events.Topics).
		Msg("Consistency worker starting")
	return router.Run(ctx)
}

func (w *Worker) newRouter() (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: w.cfg.CloseTimeout}, w.logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	// Outer to inner: a panic becomes an error, transient errors are
	// retried, and permanent errors go to the poison queue without retry.
	router.AddMiddleware(middleware.Recoverer)

	retry := middleware.Retry{
		MaxRetries:      w.cfg.RetryMaxRetries,
		InitialInterval: w.cfg.RetryInitialInterval,
		MaxInterval:     w.cfg.RetryMaxInterval,
		Multiplier:      w.cfg.RetryMultiplier,
		Logger:          w.logger,
	}
	router.AddMiddleware(retry.Middleware)

	if w.poison != nil && w.cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueueWithFilter(w.poison, w.cfg.PoisonTopic, resilience.IsPermanent)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		router.AddMiddleware(poison)
	} else {
		router.AddMiddleware(dropPermanent)
	}

	for _, topic := range events.Topics {
		router.AddConsumerHandler(w.cfg.Group+"-"+topic, topic, w.sub, w.handle)
	}
	return router, nil
}

// dropPermanent acks permanently failing messages when no poison queue is set.
func dropPermanent(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil && resilience.IsPermanent(err) {
			logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping message that cannot be processed")
			return nil, nil
		}
		return out, err
	}
}

// handle decodes one message and applies the side effects of its event type.
func (w *Worker) handle(msg *message.Message) error {
	ctx := msg.Context()

	env, err := events.Unmarshal(msg.Payload)
	if err != nil {
		metrics.WorkerEventsProcessed.WithLabelValues("unknown", "malformed").Inc()
		return resilience.Permanent(fmt.Errorf("message %s: %w", msg.UUID, err))
	}
	ctx = logging.ContextWithCorrelationID(ctx, env.EventID)
	log := logging.Ctx(ctx)

	unlock := w.inflight.lock(env.EventID)
	defer unlock()

	effects, ok := w.effects[env.EventType]
	if !ok {
		metrics.WorkerEventsProcessed.WithLabelValues(string(env.EventType), "ignored").Inc()
		log.Debug().Str("event_type", string(env.EventType)).Msg("No handler for event type")
		return nil
	}

	for _, e := range effects {
		if err := w.apply(ctx, msg.UUID, env, e); err != nil {
			result := "failed"
			if resilience.IsPermanent(err) {
				result = "rejected"
			}
			metrics.WorkerEventsProcessed.WithLabelValues(string(env.EventType), result).Inc()
			log.Warn().
				Err(err).
				Str("event_type", string(env.EventType)).
				Str("effect", e.name).
				Bool("permanent", resilience.IsPermanent(err)).
				Msg("Side effect failed")
			return err
		}
	}

	metrics.WorkerEventsProcessed.WithLabelValues(string(env.EventType), "processed").Inc()
	log.Debug().
		Str("event_type", string(env.EventType)).
		Str("aggregate_id", env.AggregateID).
		Msg("Event processed")
	return nil
}

// apply runs one side effect unless it has already been recorded.
func (w *Worker) apply(ctx context.Context, messageID string, env events.Envelope, e effect) error {
	key := Key{Group: w.cfg.Group, EventID: env.EventID, Effect: e.name}

	done, err := w.deps.Processed.Done(ctx, key)
	if err != nil {
		return err
	}
	if done {
		metrics.WorkerEffectsSkipped.WithLabelValues(e.name).Inc()
		return nil
	}

	if err := e.run(ctx, env); err != nil {
		if !e.bestEffort {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		// Not recorded, so a redelivery tries again.
		logging.Ctx(ctx).Warn().Err(err).Str("effect", e.name).Msg("Best-effort side effect failed")
		return nil
	}
	return w.deps.Processed.Mark(ctx, key, messageID)
}
