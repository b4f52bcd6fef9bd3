// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/metrics"
)

// RetryConfig bounds the exponential backoff around one remote call.
// The delay before attempt n+1 is BaseDelay*Multiplier^n, capped at MaxDelay
// and randomized by ±Jitter.
type RetryConfig struct {
	MaxAttempts uint          `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      float64       `koanf:"jitter"`
}

// DefaultRetryConfig returns 3 attempts, 1s base, 60s cap, factor 2, 50% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	return c
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	return b
}

// Retry runs op until it succeeds, returns a permanent error, the context
// ends, or MaxAttempts is reached. On exhaustion the last error is returned
// unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, name string, op func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	attempt := 0

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.RetryAttempts.WithLabelValues(name).Inc()
		}
		v, err := op(ctx)
		if err != nil && IsPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Debug().
				Str("dependency", name).
				Int("attempt", attempt).
				Dur("next_delay", next).
				Err(err).
				Msg("Retrying remote call")
		}),
	)
}

// PermanentError marks a failure that must not be retried and does not
// count against the dependency's breaker: the dependency answered, the answer
// was just negative (not found, rejected input).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
