// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type countingService struct {
	name     string
	starts   atomic.Int32
	failures int32
}

func (s *countingService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	t.Parallel()

	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: time.Second})
	if tree.config.FailureThreshold != 5 || tree.config.FailureDecay != 30 {
		t.Errorf("config = %+v", tree.config)
	}
	if tree.config.FailureBackoff != time.Second {
		t.Errorf("explicit backoff overwritten: %v", tree.config.FailureBackoff)
	}
	if tree.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v", tree.config.ShutdownTimeout)
	}
}

func TestTreeRunsEveryLayer(t *testing.T) {
	t.Parallel()

	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	dispatcher := &countingService{name: "outbox-dispatcher"}
	worker := &countingService{name: "consistency-worker"}
	httpServer := &countingService{name: "http-server"}
	tree.AddDataService(dispatcher)
	tree.AddMessagingService(worker)
	tree.AddAPIService(httpServer)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dispatcher.starts.Load() > 0 && worker.starts.Load() > 0 && httpServer.starts.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}

	for _, s := range []*countingService{dispatcher, worker, httpServer} {
		if s.starts.Load() == 0 {
			t.Errorf("%s never started", s.name)
		}
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	t.Parallel()

	tree := NewTree(quietLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	flaky := &countingService{name: "consistency-worker", failures: 2}
	tree.AddMessagingService(flaky)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	for flaky.starts.Load() < 3 && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-errCh

	if got := flaky.starts.Load(); got < 3 {
		t.Errorf("starts = %d, want at least 3", got)
	}
}
