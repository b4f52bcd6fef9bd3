// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package resilience isolates remote dependencies behind circuit breakers
// and bounded retries.
//
// A single Registry is built at startup and handed to every client that talks
// to a remote dependency. Each dependency name maps to exactly one breaker for
// the life of the process, so every caller of "catalog" observes the same
// state machine:
//
//	reg := resilience.NewRegistry(resilience.RegistryConfig{...})
//	ev, err := resilience.Call(ctx, reg, "catalog", func(ctx context.Context) (*Event, error) {
//		return client.fetch(ctx, id)
//	})
//
// Call runs the whole retry group inside one breaker execution, so a request
// that needed three attempts is recorded by the breaker as one outcome.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
)

// ErrBreakerOpen is returned without invoking the operation while a breaker
// is open, or when a half-open breaker already has its trial calls in flight.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Config describes one breaker.
type Config struct {
	// FailureThreshold consecutive failures while closed open the breaker.
	FailureThreshold uint32 `koanf:"failure_threshold"`

	// SuccessThreshold consecutive half-open successes close the breaker.
	// It also bounds the number of concurrent trial calls.
	SuccessThreshold uint32 `koanf:"success_threshold"`

	// RecoveryTimeout is how long the breaker stays open before admitting a trial call.
	RecoveryTimeout time.Duration `koanf:"recovery_timeout"`
}

// DefaultConfig returns 5 failures, 3 successes, 30s recovery.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	return c
}

// State mirrors the breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// Stats is a point-in-time view of one breaker. Counters are cumulative for
// the process or since the last Reset.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	TotalCalls           int64     `json:"total_calls"`
	SuccessfulCalls      int64     `json:"successful_calls"`
	FailedCalls          int64     `json:"failed_calls"`
	RejectedCalls        int64     `json:"rejected_calls"`
	CircuitOpens         int64     `json:"circuit_opens"`
	SuccessRate          float64   `json:"success_rate"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	Config               Config    `json:"-"`
}

type breaker struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker[any]

	total       atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	rejected    atomic.Int64
	opens       atomic.Int64
	lastFailure atomic.Int64 // unix nanos
}

func newBreaker(name string, cfg Config) *breaker {
	b := &breaker{name: name, cfg: cfg}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		// Zero interval: closed-state counts are only cleared by a success.
		Interval: 0,
		Timeout:  cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: isSuccessful,
		// Runs under the gobreaker mutex; must not call back into b.cb.
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateOf(from), stateOf(to)
			logging.Info().
				Str("breaker", name).
				Str("from", string(fromStr)).
				Str("to", string(toStr)).
				Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, string(fromStr), string(toStr)).Inc()
			if to == gobreaker.StateOpen {
				b.opens.Add(1)
			}
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})
	return b
}

// isSuccessful decides what counts against the dependency. A permanent error
// means the dependency answered; a caller giving up is not the dependency's fault.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if IsPermanent(err) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func (b *breaker) execute(fn func() (any, error)) (any, error) {
	b.total.Add(1)
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(1)
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			logging.Warn().Str("breaker", b.name).Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
			return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, b.name)
		}
		if !isSuccessful(err) {
			b.failures.Add(1)
			b.lastFailure.Store(time.Now().UnixNano())
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
			metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(b.cb.Counts().ConsecutiveFailures))
			return nil, err
		}
	}
	b.successes.Add(1)
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)
	return result, err
}

func (b *breaker) stats() Stats {
	counts := b.cb.Counts()
	s := Stats{
		Name:                 b.name,
		State:                stateOf(b.cb.State()),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalCalls:           b.total.Load(),
		SuccessfulCalls:      b.successes.Load(),
		FailedCalls:          b.failures.Load(),
		RejectedCalls:        b.rejected.Load(),
		CircuitOpens:         b.opens.Load(),
		Config:               b.cfg,
	}
	if attempted := s.SuccessfulCalls + s.FailedCalls; attempted > 0 {
		s.SuccessRate = float64(s.SuccessfulCalls) / float64(attempted)
	}
	if ns := b.lastFailure.Load(); ns != 0 {
		s.LastFailure = time.Unix(0, ns).UTC()
	}
	return s
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Defaults applies to any dependency without an override.
	Defaults Config

	// Breakers holds per-dependency overrides keyed by dependency name.
	Breakers map[string]Config

	// Retry is the policy Call applies inside the breaker.
	Retry RetryConfig
}

// Registry owns one breaker per dependency name. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
	retry     RetryConfig
	breakers  map[string]*breaker
}

// NewRegistry creates an empty registry. Breakers are created on first use.
func NewRegistry(cfg RegistryConfig) *Registry {
	overrides := make(map[string]Config, len(cfg.Breakers))
	for name, c := range cfg.Breakers {
		overrides[name] = c.withDefaults()
	}
	return &Registry{
		defaults:  cfg.Defaults.withDefaults(),
		overrides: overrides,
		retry:     cfg.Retry.withDefaults(),
		breakers:  make(map[string]*breaker),
	}
}

func (r *Registry) get(name string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.configFor(name))
	r.breakers[name] = b
	return b
}

func (r *Registry) configFor(name string) Config {
	if c, ok := r.overrides[name]; ok {
		return c
	}
	return r.defaults
}

// RetryConfig returns the policy used by Call.
func (r *Registry) RetryConfig() RetryConfig {
	return r.retry
}

// State returns the current state of the named breaker, creating it if needed.
func (r *Registry) State(name string) State {
	return stateOf(r.get(name).cb.State())
}

// Snapshot returns stats for every breaker created so far. The view may be
// slightly stale relative to in-flight calls.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	list := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.stats())
	}
	sortStats(out)
	return out
}

// Stats returns the stats of one breaker. ok is false if it has never been used.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return b.stats(), true
}

// Reset replaces the named breaker with a fresh closed one. It reports false
// if no such breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; !ok {
		return false
	}
	r.breakers[name] = newBreaker(name, r.configFor(name))
	logging.Info().Str("breaker", name).Msg("[CIRCUIT BREAKER] Reset")
	return true
}

// Execute runs op through the named breaker. The breaker never retries.
func Execute[T any](ctx context.Context, r *Registry, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := r.get(name).execute(func() (any, error) {
		return op(ctx)
	})
	if res == nil {
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker %s: unexpected result type %T", name, res)
	}
	return typed, err
}

// Call runs op with the registry's retry policy inside the named breaker.
func Call[T any](ctx context.Context, r *Registry, name string, op func(context.Context) (T, error)) (T, error) {
	return Execute(ctx, r, name, func(ctx context.Context) (T, error) {
		return Retry(ctx, r.retry, name, op)
	})
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func sortStats(s []Stats) {
	slices.SortFunc(s, func(a, b Stats) int { return strings.Compare(a.Name, b.Name) })
}
