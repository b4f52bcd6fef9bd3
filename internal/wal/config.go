// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package wal is the local BadgerDB store behind the event outbox.
//
// Emitting a domain event writes it here and returns; that write is the only
// acknowledgment the booking flow waits for. A Dispatcher drains entries to
// the message bus in write order, giving each a bounded number of attempts
// before dropping it with an error log. The same BadgerDB instance also hosts
// the local capacity ledger and the worker's processed-event records under
// their own key prefixes.
package wal

import (
	"errors"
	"time"
)

// Config holds BadgerDB and dispatcher settings.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string `koanf:"path"`

	// InMemory keeps everything in RAM. Useful for tests and demos only.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `koanf:"sync_writes"`

	// PollInterval is how often the dispatcher scans when not signalled.
	PollInterval time.Duration `koanf:"poll_interval"`

	// BatchSize bounds entries handled per scan.
	BatchSize int `koanf:"batch_size"`

	// MaxAttempts is the publish budget per entry; exhausted entries are dropped.
	MaxAttempts int `koanf:"max_attempts"`

	// PublishRate caps deliveries per second. Zero disables the limit.
	PublishRate float64 `koanf:"publish_rate"`

	// PublishTimeout bounds a single delivery.
	PublishTimeout time.Duration `koanf:"publish_timeout"`

	// GCInterval is how often the value log is garbage collected.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:           "/data/boxoffice/badger",
		SyncWrites:     true,
		PollInterval:   2 * time.Second,
		BatchSize:      100,
		MaxAttempts:    10,
		PublishRate:    500,
		PublishTimeout: 5 * time.Second,
		GCInterval:     10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("wal: path is required unless in_memory is set")
	}
	if c.BatchSize <= 0 {
		return errors.New("wal: batch_size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("wal: max_attempts must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("wal: poll_interval must be positive")
	}
	if c.PublishRate < 0 {
		return errors.New("wal: publish_rate must not be negative")
	}
	return nil
}
