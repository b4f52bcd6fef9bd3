// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const processedPrefix = "processed:"

// Key identifies one side effect of one event for one consumer group.
type Key struct {
	Group   string
	EventID string
	Effect  string
}

func (k Key) bytes() []byte {
	return []byte(processedPrefix + k.Group + ":" + k.EventID + ":" + k.Effect)
}

// Record is what is stored once a side effect has been applied.
type Record struct {
	MessageID string    `json:"message_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// ProcessedStore remembers which side effects have been applied.
// Records expire after the TTL, which should outlive the broker's
// redelivery horizon.
type ProcessedStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewProcessedStore returns a store on db. A zero ttl keeps records forever.
func NewProcessedStore(db *badger.DB, ttl time.Duration) *ProcessedStore {
	return &ProcessedStore{db: db, ttl: ttl}
}

// Done reports whether the side effect has already been applied.
func (s *ProcessedStore) Done(ctx context.Context, k Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var done bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k.bytes())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", k.EventID, k.Effect, err)
	}
	return done, nil
}

// Mark records the side effect as applied.
func (s *ProcessedStore) Mark(ctx context.Context, k Key, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Record{MessageID: messageID, AppliedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(k.bytes(), data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", k.EventID, k.Effect, err)
	}
	return nil
}

// Get returns the stored record.
func (s *ProcessedStore) Get(k Key) (*Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k.bytes())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}
