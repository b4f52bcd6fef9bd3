// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package ledger tracks how many seats are reserved per event.
//
// Every Reserve is a single read-check-write that is atomic with respect to
// other reservations on the same event: either a BadgerDB transaction that
// aborts on conflict, or a JetStream KV compare-and-swap on the key revision.
// Writers in one process are queued per event before the transaction starts,
// so optimistic conflicts only arise between processes. Those are retried
// with jittered backoff a bounded number of times and then reported as
// ErrContention.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrInsufficientCapacity means reserved+quantity would exceed capacity.
	// Nothing was mutated.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrReleaseExceedsReserved means a release asked for more seats than are held.
	// Nothing was mutated.
	ErrReleaseExceedsReserved = errors.New("release exceeds reserved seats")

	// ErrInvalidQuantity is returned for non-positive quantities or negative capacity.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidEventID is returned for ids the backend cannot store as a key.
	ErrInvalidEventID = errors.New("invalid event id")

	// ErrContention means the conflict retry budget ran out.
	ErrContention = errors.New("ledger contention: retries exhausted")
)

// Ledger is the capacity counter used by the reservation coordinator.
type Ledger interface {
	// Reserve adds quantity to the event's counter if the result stays within
	// capacity and returns the new reserved count. On ErrInsufficientCapacity
	// the returned count is the unchanged current value.
	Reserve(ctx context.Context, eventID string, quantity, capacity int64) (int64, error)

	// Release subtracts quantity and returns the new reserved count.
	Release(ctx context.Context, eventID string, quantity int64) (int64, error)

	// Reserved returns the current count, zero for unknown events.
	Reserved(ctx context.Context, eventID string) (int64, error)
}

// DefaultMaxConflictRetries bounds optimistic retries per operation.
const DefaultMaxConflictRetries = 64

const lockStripes = 64

// keyLocks queues writers to the same event within one process.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(eventID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventID))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// conflictBackOff spaces out retries after a lost optimistic write.
func conflictBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// mutation computes the next counter value from the current one.
type mutation func(current int64) (int64, error)

func reserveMutation(quantity, capacity int64) mutation {
	return func(cur int64) (int64, error) {
		if cur+quantity > capacity {
			return cur, ErrInsufficientCapacity
		}
		return cur + quantity, nil
	}
}

func releaseMutation(quantity int64) mutation {
	return func(cur int64) (int64, error) {
		if quantity > cur {
			return cur, ErrReleaseExceedsReserved
		}
		return cur - quantity, nil
	}
}

func validate(eventID string, quantity int64) error {
	if eventID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	return nil
}

func encode(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decode(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %q: %w", b, err)
	}
	return n, nil
}

// resultLabel maps an operation error onto a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCapacity), errors.Is(err, ErrReleaseExceedsReserved):
		return "rejected"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "error"
	}
}
