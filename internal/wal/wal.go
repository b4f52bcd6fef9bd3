// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
)

var (
	ErrClosed        = errors.New("outbox closed")
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrInvalidEntry  = errors.New("outbox entry requires id and topic")
)

const (
	prefixPending = "outbox:pending:"
	sequenceKey   = "outbox:seq"
)

// Open opens (or creates) the BadgerDB described by cfg.
func Open(cfg Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("BadgerDB opened")
	return db, nil
}

// Entry is one event waiting to be published.
type Entry struct {
	// ID doubles as the broker de-duplication id.
	ID string `json:"id"`

	Topic string `json:"topic"`

	// Key is the partition key (the aggregate id).
	Key string `json:"key"`

	Payload json.RawMessage `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Record is a stored entry together with its storage key.
type Record struct {
	key []byte
	Entry
}

// Outbox is a FIFO of entries in BadgerDB. Keys are built from a persistent
// sequence so iteration order is write order.
type Outbox struct {
	db     *badger.DB
	seq    *badger.Sequence
	signal chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewOutbox binds an outbox to db. The caller still owns db.
func NewOutbox(db *badger.DB) (*Outbox, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 256)
	if err != nil {
		return nil, fmt.Errorf("outbox sequence: %w", err)
	}
	o := &Outbox{db: db, seq: seq, signal: make(chan struct{}, 1)}
	if n, err := o.Len(context.Background()); err == nil {
		metrics.OutboxPending.Set(float64(n))
		if n > 0 {
			logging.Info().Int("pending", n).Msg("Outbox recovered pending events")
		}
	}
	return o, nil
}

// Write appends e. Once Write returns nil the entry survives a restart
// (subject to SyncWrites).
func (o *Outbox) Write(ctx context.Context, e Entry) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" || e.Topic == "" {
		return ErrInvalidEntry
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	n, err := o.seq.Next()
	if err != nil {
		return fmt.Errorf("outbox sequence: %w", err)
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%020d", prefixPending, n))
	if err := o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("write to BadgerDB: %w", err)
	}

	metrics.OutboxPending.Inc()
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

// Signal fires (coalesced) after each successful Write.
func (o *Outbox) Signal() <-chan struct{} {
	return o.signal
}

// Pending returns up to limit entries in write order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Record, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}

	var out []Record
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var r Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r.Entry)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Outbox skipping unreadable entry")
				continue
			}
			r.key = item.KeyCopy(nil)
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}
	return out, nil
}

// Confirm removes a delivered entry.
func (o *Outbox) Confirm(_ context.Context, r Record) error {
	return o.remove(r)
}

// Drop removes an entry that exhausted its attempts.
func (o *Outbox) Drop(_ context.Context, r Record) error {
	return o.remove(r)
}

func (o *Outbox) remove(r Record) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	err := o.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(r.key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(r.key)
	})
	if err == nil {
		metrics.OutboxPending.Dec()
	}
	return err
}

// RecordFailure bumps the attempt counter and stores the error text.
// It returns the updated attempt count.
func (o *Outbox) RecordFailure(_ context.Context, r Record, cause error) (int, error) {
	if err := o.checkOpen(); err != nil {
		return 0, err
	}
	var attempts int
	err := o.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		attempts = e.Attempts
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(r.key, data)
	})
	return attempts, err
}

// Len counts pending entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	recs, err := o.Pending(ctx, 0)
	return len(recs), err
}

// Close releases the key sequence. It does not close the database.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.seq.Release()
}

func (o *Outbox) checkOpen() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	return nil
}
