// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/boxoffice/internal/metrics"
)

const badgerPrefix = "seats:"

// BadgerLedger keeps counters in a local BadgerDB. It is correct for any
// number of goroutines in one process; replicas that must share counters
// should use KVLedger.
type BadgerLedger struct {
	db         *badger.DB
	locks      keyLocks
	maxRetries int
}

// NewBadgerLedger uses db, which the caller owns and closes.
func NewBadgerLedger(db *badger.DB) *BadgerLedger {
	return &BadgerLedger{db: db, maxRetries: DefaultMaxConflictRetries}
}

func (l *BadgerLedger) key(eventID string) []byte {
	return []byte(badgerPrefix + eventID)
}

func (l *BadgerLedger) Reserve(ctx context.Context, eventID string, quantity, capacity int64) (int64, error) {
	if err := validate(eventID, quantity); err != nil {
		return 0, err
	}
	if capacity < 0 {
		return 0, fmt.Errorf("%w: negative capacity %d", ErrInvalidQuantity, capacity)
	}
	n, err := l.apply(ctx, eventID, reserveMutation(quantity, capacity))
	metrics.RecordLedgerOp("badger", "reserve", resultLabel(err))
	return n, err
}

func (l *BadgerLedger) Release(ctx context.Context, eventID string, quantity int64) (int64, error) {
	if err := validate(eventID, quantity); err != nil {
		return 0, err
	}
	n, err := l.apply(ctx, eventID, releaseMutation(quantity))
	metrics.RecordLedgerOp("badger", "release", resultLabel(err))
	return n, err
}

func (l *BadgerLedger) Reserved(ctx context.Context, eventID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = read(txn, l.key(eventID))
		return err
	})
	return n, err
}

// apply runs m in an update transaction. Badger tracks the read of the key and
// aborts the commit with ErrConflict if another transaction wrote it first;
// with the per-event lock held that only happens when another process
// shares the database directory.
func (l *BadgerLedger) apply(ctx context.Context, eventID string, m mutation) (int64, error) {
	unlock := l.locks.lock(eventID)
	defer unlock()

	key := l.key(eventID)
	bo := conflictBackOff()
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if attempt > 0 {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return 0, err
			}
		}

		var next int64
		err := l.db.Update(func(txn *badger.Txn) error {
			cur, err := read(txn, key)
			if err != nil {
				return err
			}
			next, err = m(cur)
			if err != nil {
				return err
			}
			return txn.Set(key, encode(next))
		})
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, badger.ErrConflict):
			metrics.LedgerConflicts.WithLabelValues("badger").Inc()
			continue
		case errors.Is(err, ErrInsufficientCapacity), errors.Is(err, ErrReleaseExceedsReserved):
			return next, err
		default:
			return 0, fmt.Errorf("badger ledger %s: %w", eventID, err)
		}
	}
	return 0, ErrContention
}

func read(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		var derr error
		n, derr = decode(val)
		return derr
	})
	return n, err
}
