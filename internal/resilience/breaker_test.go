// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errDown = errors.New("dependency down")

func testRegistry(cfg Config) *Registry {
	return NewRegistry(RegistryConfig{
		Defaults: cfg,
		Retry:    RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func fail(calls *atomic.Int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "", errDown
	}
}

func succeed(calls *atomic.Int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Hour})
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		if _, err := Execute(ctx, reg, "catalog", fail(&calls)); !errors.Is(err, errDown) {
			t.Fatalf("call %d: err = %v, want errDown", i+1, err)
		}
	}
	if got := reg.State("catalog"); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	_, err := Execute(ctx, reg, "catalog", fail(&calls))
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("4th call err = %v, want ErrBreakerOpen", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("operation invoked %d times, want 3", n)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Hour})
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Execute(ctx, reg, "auth", fail(&calls))
	_, _ = Execute(ctx, reg, "auth", succeed(&calls))
	_, _ = Execute(ctx, reg, "auth", fail(&calls))

	if got := reg.State("auth"); got != StateClosed {
		t.Errorf("state = %s, want closed: isolated failures must not trip", got)
	}
}

func TestBreakerHalfOpenCloses(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Execute(ctx, reg, "catalog", fail(&calls))
	if got := reg.State("catalog"); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(80 * time.Millisecond)
	if got := reg.State("catalog"); got != StateHalfOpen {
		t.Fatalf("state after recovery timeout = %s, want half_open", got)
	}

	if _, err := Execute(ctx, reg, "catalog", succeed(&calls)); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if got := reg.State("catalog"); got != StateHalfOpen {
		t.Fatalf("state after one success = %s, want half_open", got)
	}
	if _, err := Execute(ctx, reg, "catalog", succeed(&calls)); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if got := reg.State("catalog"); got != StateClosed {
		t.Fatalf("state after two successes = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 1, SuccessThreshold: 3, RecoveryTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Execute(ctx, reg, "payment", fail(&calls))
	time.Sleep(80 * time.Millisecond)

	if _, err := Execute(ctx, reg, "payment", fail(&calls)); !errors.Is(err, errDown) {
		t.Fatalf("trial err = %v, want errDown", err)
	}
	if got := reg.State("payment"); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	before := calls.Load()
	if _, err := Execute(ctx, reg, "payment", succeed(&calls)); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if calls.Load() != before {
		t.Error("operation invoked while reopened breaker was open")
	}
}

func TestBreakerHalfOpenLimitsConcurrentTrials(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Execute(ctx, reg, "catalog", fail(&calls))
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = Execute(ctx, reg, "catalog", func(context.Context) (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
	}()
	<-started

	_, err := Execute(ctx, reg, "catalog", succeed(&calls))
	close(release)
	wg.Wait()

	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("concurrent trial err = %v, want ErrBreakerOpen", err)
	}
	if got := reg.State("catalog"); got != StateClosed {
		t.Errorf("state = %s, want closed after the trial succeeded", got)
	}
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour})
	notFound := errors.New("event not found")

	_, err := Execute(context.Background(), reg, "catalog", func(context.Context) (string, error) {
		return "", Permanent(notFound)
	})
	if !errors.Is(err, notFound) {
		t.Fatalf("err = %v, want notFound", err)
	}
	if got := reg.State("catalog"); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestRegistrySharesBreakerPerName(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Hour})
	ctx := context.Background()
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Execute(ctx, reg, "catalog", fail(&calls))
		}()
	}
	wg.Wait()

	if got := reg.State("catalog"); got != StateOpen {
		t.Errorf("catalog state = %s, want open", got)
	}
	if got := reg.State("auth"); got != StateClosed {
		t.Errorf("auth state = %s, want closed", got)
	}
}

func TestRegistryOverridesAndSnapshot(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{
		Defaults: Config{FailureThreshold: 5},
		Breakers: map[string]Config{"ledger": {FailureThreshold: 1}},
		Retry:    RetryConfig{MaxAttempts: 1},
	})
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Execute(ctx, reg, "ledger", fail(&calls))
	_, _ = Execute(ctx, reg, "catalog", fail(&calls))
	_, _ = Execute(ctx, reg, "catalog", succeed(&calls))

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d breakers, want 2", len(snap))
	}
	if snap[0].Name != "catalog" || snap[1].Name != "ledger" {
		t.Errorf("snapshot order = %s,%s", snap[0].Name, snap[1].Name)
	}
	if snap[1].State != StateOpen || snap[1].CircuitOpens != 1 {
		t.Errorf("ledger = %+v, want open with one open", snap[1])
	}
	if snap[0].SuccessRate != 0.5 {
		t.Errorf("catalog success rate = %v, want 0.5", snap[0].SuccessRate)
	}
	if snap[1].LastFailure.IsZero() {
		t.Error("ledger LastFailure not recorded")
	}
}

func TestRegistryReset(t *testing.T) {
	t.Parallel()

	reg := testRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour})
	var calls atomic.Int32

	if reg.Reset("catalog") {
		t.Error("Reset of unknown breaker returned true")
	}
	_, _ = Execute(context.Background(), reg, "catalog", fail(&calls))
	if !reg.Reset("catalog") {
		t.Fatal("Reset returned false")
	}
	if got := reg.State("catalog"); got != StateClosed {
		t.Errorf("state after reset = %s, want closed", got)
	}
}

func TestCallCountsRetryGroupOnce(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{
		Defaults: Config{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Hour},
		Retry:    RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	var calls atomic.Int32

	_, err := Call(context.Background(), reg, "catalog", fail(&calls))
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want errDown", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if got := reg.State("catalog"); got != StateClosed {
		t.Errorf("state = %s, want closed: one retry group is one failure", got)
	}
	stats, _ := reg.Stats("catalog")
	if stats.FailedCalls != 1 {
		t.Errorf("failed calls = %d, want 1", stats.FailedCalls)
	}
}
