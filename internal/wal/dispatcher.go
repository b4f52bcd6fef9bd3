// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package wal

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/time/rate"

	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
)

// Sink delivers one entry to the message bus.
type Sink interface {
	Deliver(ctx context.Context, e Entry) error
}

// Dispatcher drains the outbox into a Sink. It implements suture.Service.
//
// Entries are delivered strictly in write order. A failed delivery stops the
// current pass so later events for the same aggregate cannot overtake it; the
// entry is retried on the next pass until MaxAttempts, then dropped.
type Dispatcher struct {
	outbox  *Outbox
	db      *badger.DB
	sink    Sink
	cfg     Config
	limiter *rate.Limiter
}

// NewDispatcher creates a dispatcher. db is only used for value-log GC and may be nil.
func NewDispatcher(outbox *Outbox, db *badger.DB, sink Sink, cfg Config) *Dispatcher {
	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	burst := cfg.BatchSize
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		outbox:  outbox,
		db:      db,
		sink:    sink,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Serve runs until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	logging.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("max_attempts", d.cfg.MaxAttempts).
		Msg("Outbox dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var gc <-chan time.Time
	if d.db != nil && !d.cfg.InMemory && d.cfg.GCInterval > 0 {
		gcTicker := time.NewTicker(d.cfg.GCInterval)
		defer gcTicker.Stop()
		gc = gcTicker.C
	}

	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Outbox drain failed")
		}
		select {
		case <-ctx.Done():
			logging.Info().Msg("Outbox dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-d.outbox.Signal():
		case <-gc:
			d.collectGarbage()
		}
	}
}

func (d *Dispatcher) String() string { return "outbox-dispatcher" }

// DrainOnce delivers one batch and returns how many entries were published.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	records, err := d.outbox.Pending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, r := range records {
		if err := d.limiter.Wait(ctx); err != nil {
			return delivered, err
		}

		if err := d.deliver(ctx, r); err != nil {
			d.handleFailure(ctx, r, err)
			return delivered, nil
		}
		if err := d.outbox.Confirm(ctx, r); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, r Record) error {
	timeout := d.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.sink.Deliver(ctx, r.Entry)
}

func (d *Dispatcher) handleFailure(ctx context.Context, r Record, cause error) {
	metrics.EventPublishFailures.WithLabelValues("publish").Inc()

	attempts, err := d.outbox.RecordFailure(ctx, r, cause)
	if err != nil {
		logging.Error().Err(err).Str("event_id", r.ID).Msg("Outbox could not record failed attempt")
		return
	}
	if attempts < d.cfg.MaxAttempts {
		logging.Warn().
			Err(cause).
			Str("event_id", r.ID).
			Str("topic", r.Topic).
			Int("attempts", attempts).
			Msg("Event publish failed, will retry")
		return
	}

	if err := d.outbox.Drop(ctx, r); err != nil {
		logging.Error().Err(err).Str("event_id", r.ID).Msg("Outbox could not drop exhausted entry")
		return
	}
	metrics.EventPublishFailures.WithLabelValues("dropped").Inc()
	logging.Error().
		Err(cause).
		Str("event_id", r.ID).
		Str("topic", r.Topic).
		Str("key", r.Key).
		Int("attempts", attempts).
		RawJSON("payload", r.Payload).
		Msg("Event dropped after exhausting publish attempts")
}

func (d *Dispatcher) collectGarbage() {
	for {
		if err := d.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("BadgerDB value log GC failed")
			}
			return
		}
	}
}
