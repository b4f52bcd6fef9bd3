// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/boxoffice/internal/logging"
)

// NewLogger returns a Watermill logger writing through zerolog.
func NewLogger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.NewSlogLogger())
}

// Transport bundles the Watermill publisher and subscriber for one bus.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// JetStream is the management handle for the nats transport; nil for
	// the memory transport.
	JetStream jetstream.JetStream

	conn *natsgo.Conn
}

// Open connects to the bus described by cfg. For NATS the stream is
// provisioned before any publisher or subscriber is created.
func Open(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger()
	}
	if cfg.Transport == TransportMemory {
		return NewMemoryTransport(logger), nil
	}

	natsOpts := connectOptions(cfg, logger)

	nc, err := natsgo.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := EnsureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
			},
		},
	}, logger)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			AckAsync:      false,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(cfg.MaxDeliver),
				natsgo.MaxAckPending(cfg.MaxAckPending),
				natsgo.AckWait(cfg.AckWait),
				natsgo.DeliverAll(),
				natsgo.BindStream(cfg.StreamName),
			},
			DurablePrefix: cfg.DurablePrefix,
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		nc.Close()
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	logging.Info().
		Str("url", cfg.URL).
		Str("stream", cfg.StreamName).
		Msg("Event transport connected")

	return &Transport{Publisher: pub, Subscriber: sub, JetStream: js, conn: nc}, nil
}

// NewMemoryTransport returns an in-process transport. Messages are kept so
// that subscribers started after a publish still receive them.
func NewMemoryTransport(logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = NewLogger()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
		Persistent:          true,
	}, logger)
	return &Transport{Publisher: ch, Subscriber: ch}
}

// Close closes the publisher, subscriber and management connection.
func (t *Transport) Close() error {
	var errs []error
	if err := t.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return errors.Join(errs...)
}

func connectOptions(cfg Config, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("boxoffice"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}
