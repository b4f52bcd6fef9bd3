// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package events

import (
	"fmt"
	"time"
)

const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Config describes the message bus connection.
type Config struct {
	// Transport is "nats" (JetStream) or "memory" (in-process channel).
	Transport string `koanf:"transport"`

	URL        string `koanf:"url"`
	StreamName string `koanf:"stream_name"`

	// DurablePrefix names the consumer group; one durable per topic.
	DurablePrefix string `koanf:"durable_prefix"`
	QueueGroup    string `koanf:"queue_group"`

	AckWait       time.Duration `koanf:"ack_wait"`
	MaxDeliver    int           `koanf:"max_deliver"`
	MaxAckPending int           `koanf:"max_ack_pending"`
	CloseTimeout  time.Duration `koanf:"close_timeout"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// Stream retention
	MaxAge          time.Duration `koanf:"max_age"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Transport:       TransportNATS,
		URL:             "nats://127.0.0.1:4222",
		StreamName:      "BOXOFFICE",
		DurablePrefix:   "consistency-worker",
		QueueGroup:      "workers",
		AckWait:         30 * time.Second,
		MaxDeliver:      5,
		MaxAckPending:   256,
		CloseTimeout:    30 * time.Second,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportMemory:
		return nil
	case TransportNATS:
	default:
		return fmt.Errorf("events.transport must be %q or %q, got %q", TransportNATS, TransportMemory, c.Transport)
	}
	if c.URL == "" {
		return fmt.Errorf("events.url is required for the nats transport")
	}
	if c.StreamName == "" {
		return fmt.Errorf("events.stream_name is required for the nats transport")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("events.max_deliver must be at least 1")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("events.ack_wait must be positive")
	}
	return nil
}

// ServerConfig configures the optional embedded NATS server.
type ServerConfig struct {
	Enabled           bool   `koanf:"enabled"`
	Host              string `koanf:"host"`
	Port              int    `koanf:"port"`
	StoreDir          string `koanf:"store_dir"`
	JetStreamMaxMem   int64  `koanf:"jetstream_max_memory"`
	JetStreamMaxStore int64  `koanf:"jetstream_max_store"`
}

// DefaultServerConfig returns defaults for the embedded server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:           false,
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          "/data/nats/jetstream",
		JetStreamMaxMem:   64 * 1024 * 1024,
		JetStreamMaxStore: 1024 * 1024 * 1024,
	}
}
