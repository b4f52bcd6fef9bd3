// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/boxoffice/internal/metrics"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/wal"
)

// BreakerName is the registry key guarding the message bus.
const BreakerName = "event-bus"

// Message metadata keys.
const (
	MetadataPartitionKey = "partition_key"
	MetadataEventType    = "event_type"
)

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Publisher sends outbox entries to the bus through the event-bus breaker.
// It implements wal.Sink.
type Publisher struct {
	publisher message.Publisher
	breakers  *resilience.Registry

	mu     sync.RWMutex
	closed bool
}

// NewPublisher wraps pub. The publisher does not own pub.
func NewPublisher(pub message.Publisher, breakers *resilience.Registry) *Publisher {
	return &Publisher{publisher: pub, breakers: breakers}
}

// Deliver publishes one entry. The entry id becomes the message UUID and
// the Nats-Msg-Id header so a redelivered entry is de-duplicated by
// JetStream inside the stream's duplicate window.
func (p *Publisher) Deliver(ctx context.Context, e wal.Entry) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPublisherClosed
	}

	msg := message.NewMessage(e.ID, message.Payload(e.Payload))
	msg.Metadata.Set(natsgo.MsgIdHdr, e.ID)
	msg.Metadata.Set(MetadataPartitionKey, e.Key)
	eventType := peekEventType(e.Payload)
	if eventType != "" {
		msg.Metadata.Set(MetadataEventType, eventType)
	}
	msg.SetContext(ctx)

	_, err := resilience.Execute(ctx, p.breakers, BreakerName, func(context.Context) (struct{}, error) {
		return struct{}{}, p.publisher.Publish(e.Topic, msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", e.ID, e.Topic, err)
	}
	metrics.EventsPublished.WithLabelValues(e.Topic, eventType).Inc()
	return nil
}

// Close stops further deliveries. The underlying publisher is closed by
// its owner.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func peekEventType(payload []byte) string {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.EventType
}
