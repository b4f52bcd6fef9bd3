// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package events

import (
	"context"
	"fmt"

	"github.com/tomtom215/boxoffice/internal/metrics"
	"github.com/tomtom215/boxoffice/internal/wal"
)

// Emitter hands a domain event to the transport. A nil return means the
// event is durably enqueued, not that a consumer has seen it.
type Emitter interface {
	Emit(ctx context.Context, env Envelope) error
}

// OutboxWriter is the write side of wal.Outbox.
type OutboxWriter interface {
	Write(ctx context.Context, e wal.Entry) error
}

// OutboxEmitter enqueues envelopes in the local outbox. The outbox
// dispatcher publishes them in write order.
type OutboxEmitter struct {
	outbox OutboxWriter
}

// NewOutboxEmitter creates an emitter writing to outbox.
func NewOutboxEmitter(outbox OutboxWriter) *OutboxEmitter {
	return &OutboxEmitter{outbox: outbox}
}

// Emit validates and enqueues env.
func (e *OutboxEmitter) Emit(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := e.outbox.Write(ctx, wal.Entry{
		ID:      env.EventID,
		Topic:   env.Topic(),
		Key:     env.AggregateID,
		Payload: payload,
	}); err != nil {
		metrics.EventPublishFailures.WithLabelValues("enqueue").Inc()
		return fmt.Errorf("enqueue %s: %w", env.EventType, err)
	}
	return nil
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, env Envelope) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}
