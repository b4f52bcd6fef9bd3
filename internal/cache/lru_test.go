// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](3, time.Minute)

	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)
	c.Get("a") // b is now the oldest
	c.Add("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for key, want := range map[string]int{"a": 1, "c": 3, "d": 4} {
		if got, ok := c.Get(key); !ok || got != want {
			t.Errorf("Get(%q) = %d, %v", key, got, ok)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d", c.Len())
	}
}

func TestLRUExpiry(t *testing.T) {
	t.Parallel()
	c := NewLRU[string](10, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Add("evt-1", "cached")
	if _, ok := c.Get("evt-1"); !ok {
		t.Fatal("expected a hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("evt-1"); ok {
		t.Error("expected a miss after expiry")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not dropped, Len() = %d", c.Len())
	}
}

func TestLRUAddRefreshes(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](2, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Add("a", 1)
	now = now.Add(50 * time.Second)
	c.Add("a", 2)
	now = now.Add(50 * time.Second)

	if got, ok := c.Get("a"); !ok || got != 2 {
		t.Errorf("Get(a) = %d, %v; want refreshed value", got, ok)
	}
}

func TestLRURemoveAndStats(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](0, 0)

	c.Add("a", 1)
	if !c.Remove("a") {
		t.Error("Remove(a) = false")
	}
	if c.Remove("a") {
		t.Error("second Remove(a) = true")
	}
	c.Get("a")
	c.Add("b", 2)
	c.Get("b")

	hits, misses, size := c.Stats()
	if hits != 1 || misses != 1 || size != 1 {
		t.Errorf("Stats() = %d, %d, %d", hits, misses, size)
	}
	if c.capacity != 1024 || c.ttl != 5*time.Minute {
		t.Errorf("defaults = %d, %v", c.capacity, c.ttl)
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](50, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strconv.Itoa((g*200 + i) % 100)
				c.Add(key, i)
				c.Get(key)
				if i%10 == 0 {
					c.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}
