// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package events defines the domain event envelope shared by the
// reservation coordinator and the consistency worker, and the transport
// that carries it: a local outbox in front of a Watermill publisher
// backed by NATS JetStream or an in-process channel.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Type identifies a business fact.
type Type string

const (
	UserRegistered Type = "user.registered"
	UserLogin      Type = "user.login"
	UserLogout     Type = "user.logout"

	BookingCreated   Type = "booking.created"
	BookingConfirmed Type = "booking.confirmed"
	BookingCancelled Type = "booking.cancelled"

	PaymentProcessed Type = "payment.processed"
	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"

	NotificationSent Type = "notification.sent"
)

// Topics carried by the bus.
const (
	TopicBooking      = "booking-events"
	TopicPayment      = "payment-events"
	TopicUser         = "user-events"
	TopicNotification = "notification-events"

	// TopicDeadLetter receives messages the worker gave up on.
	TopicDeadLetter = "dead-letter-events"
)

// Topics lists every topic the worker consumes.
var Topics = []string{TopicBooking, TopicPayment, TopicUser}

const (
	// ServiceName tags envelopes produced by this process.
	ServiceName = "booking-service"

	// SchemaVersion is the envelope version written by New.
	SchemaVersion = "1.0"
)

// Topic returns the topic an event of this type is published on.
func (t Type) Topic() string {
	switch t {
	case UserRegistered, UserLogin, UserLogout:
		return TopicUser
	case BookingCreated, BookingConfirmed, BookingCancelled:
		return TopicBooking
	case PaymentProcessed, PaymentCompleted, PaymentFailed:
		return TopicPayment
	case NotificationSent:
		return TopicNotification
	default:
		return ""
	}
}

// Known reports whether t is part of the event catalogue.
func (t Type) Known() bool {
	return t.Topic() != ""
}

// Envelope is the wire format of every domain event. It is immutable
// once built; consumers keep their own processing state.
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   Type            `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	Service     string          `json:"service"`
	Version     string          `json:"version"`
}

// ErrInvalidEnvelope is wrapped by every envelope validation failure.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// New builds an envelope for data, assigning a fresh event id.
func New(eventType Type, aggregateID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Data:        raw,
		Service:     ServiceName,
		Version:     SchemaVersion,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	case !e.EventType.Known():
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEnvelope, e.EventType)
	case e.AggregateID == "":
		return fmt.Errorf("%w: aggregate_id is required", ErrInvalidEnvelope)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEnvelope)
	}
	return nil
}

// Topic returns the topic the envelope is published on.
func (e Envelope) Topic() string {
	return e.EventType.Topic()
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty data for %s", ErrInvalidEnvelope, e.EventType)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates an envelope read from the wire.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// BookingPayload is the data of booking.created, booking.confirmed and
// booking.cancelled.
type BookingPayload struct {
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	EventID   string `json:"event_id"`
	Seats     int64  `json:"seats"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// PaymentPayload is the data of the payment-events topic.
type PaymentPayload struct {
	PaymentID string  `json:"payment_id"`
	BookingID string  `json:"booking_id"`
	UserID    string  `json:"user_id,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// UserPayload is the data of the user-events topic.
type UserPayload struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}
