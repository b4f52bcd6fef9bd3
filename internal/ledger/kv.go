// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
)

// DefaultBucket is the JetStream KV bucket holding seat counters.
const DefaultBucket = "SEAT_COUNTERS"

// kvKeyPattern is the key syntax JetStream KV accepts.
var kvKeyPattern = regexp.MustCompile(`^[-/_=A-Za-z0-9]+(\.[-/_=A-Za-z0-9]+)*$`)

// KVLedger keeps counters in a JetStream key-value bucket so that several
// booking replicas share one counter per event. Each mutation is a
// compare-and-swap on the key's revision.
type KVLedger struct {
	kv         jetstream.KeyValue
	locks      keyLocks
	maxRetries int
}

// NewKVLedger binds to bucket, creating it if it does not exist.
func NewKVLedger(ctx context.Context, js jetstream.JetStream, bucket string) (*KVLedger, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Reserved seats per event",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}
	logging.Info().Str("bucket", bucket).Msg("Capacity ledger bound to JetStream KV")
	return &KVLedger{kv: kv, maxRetries: DefaultMaxConflictRetries}, nil
}

func (l *KVLedger) Reserve(ctx context.Context, eventID string, quantity, capacity int64) (int64, error) {
	if err := validateKV(eventID, quantity); err != nil {
		return 0, err
	}
	if capacity < 0 {
		return 0, fmt.Errorf("%w: negative capacity %d", ErrInvalidQuantity, capacity)
	}
	n, err := l.apply(ctx, eventID, reserveMutation(quantity, capacity))
	metrics.RecordLedgerOp("nats_kv", "reserve", resultLabel(err))
	return n, err
}

func (l *KVLedger) Release(ctx context.Context, eventID string, quantity int64) (int64, error) {
	if err := validateKV(eventID, quantity); err != nil {
		return 0, err
	}
	n, err := l.apply(ctx, eventID, releaseMutation(quantity))
	metrics.RecordLedgerOp("nats_kv", "release", resultLabel(err))
	return n, err
}

func (l *KVLedger) Reserved(ctx context.Context, eventID string) (int64, error) {
	if !kvKeyPattern.MatchString(eventID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventID, eventID)
	}
	n, _, err := l.get(ctx, eventID)
	return n, err
}

func validateKV(eventID string, quantity int64) error {
	if err := validate(eventID, quantity); err != nil {
		return err
	}
	if !kvKeyPattern.MatchString(eventID) {
		return fmt.Errorf("%w: %q", ErrInvalidEventID, eventID)
	}
	return nil
}

// get returns the value and revision; revision 0 means the key does not exist.
func (l *KVLedger) get(ctx context.Context, eventID string) (int64, uint64, error) {
	entry, err := l.kv.Get(ctx, eventID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if errors.Is(err, jetstream.ErrInvalidKey) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidEventID, eventID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("kv get %s: %w", eventID, err)
	}
	n, err := decode(entry.Value())
	if err != nil {
		return 0, 0, err
	}
	return n, entry.Revision(), nil
}

// apply retries lost compare-and-swaps with backoff. The per-event lock
// leaves only other replicas to race against.
func (l *KVLedger) apply(ctx context.Context, eventID string, m mutation) (int64, error) {
	unlock := l.locks.lock(eventID)
	defer unlock()

	bo := conflictBackOff()
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return 0, err
			}
		}
		cur, rev, err := l.get(ctx, eventID)
		if err != nil {
			return 0, err
		}
		next, err := m(cur)
		if err != nil {
			return cur, err
		}

		if rev == 0 {
			_, err = l.kv.Create(ctx, eventID, encode(next))
		} else {
			_, err = l.kv.Update(ctx, eventID, encode(next), rev)
		}
		if err == nil {
			return next, nil
		}
		if isRevisionConflict(err) {
			metrics.LedgerConflicts.WithLabelValues("nats_kv").Inc()
			continue
		}
		return 0, fmt.Errorf("kv write %s: %w", eventID, err)
	}
	return 0, ErrContention
}

// isRevisionConflict reports whether another writer got in between our read
// and our write.
func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
