// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package auth verifies bearer tokens and attaches the caller's identity
// to the request context.
//
// Tokens are always verified (signature, algorithm and expiry) before the
// subject claim is trusted, either locally with the shared HS256 secret or
// by the auth service's /verify endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/boxoffice/internal/resilience"
)

// Mode selects how tokens are verified.
type Mode string

const (
	// ModeLocal verifies HS256 tokens with the shared secret.
	ModeLocal Mode = "local"
	// ModeRemote asks the auth service.
	ModeRemote Mode = "remote"
)

// ParseMode converts a string to Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, "":
		return ModeLocal, nil
	case ModeRemote:
		return ModeRemote, nil
	default:
		return "", errors.New("invalid auth mode: " + s)
	}
}

var (
	// ErrNoCredentials indicates no bearer token was provided.
	ErrNoCredentials = errors.New("no credentials provided")
	// ErrInvalidCredentials indicates the token failed verification.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrExpiredCredentials indicates the token has expired.
	ErrExpiredCredentials = errors.New("credentials expired")
	// ErrUnavailable indicates the auth service could not be reached.
	ErrUnavailable = errors.New("authentication service unavailable")
)

// Subject is the verified caller.
type Subject struct {
	UserID   string
	Username string
	Email    string
	Roles    []string
}

// Verifier turns a bearer token into a verified Subject.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Subject, error)
}

// Config configures token verification.
type Config struct {
	Mode Mode `koanf:"mode"`

	// JWTSecret is the HS256 key for local verification and for issuing
	// tokens in tests and tooling.
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl"`

	// ServiceURL is the auth service base URL for remote verification.
	ServiceURL string        `koanf:"service_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

// DefaultConfig returns local-mode defaults. JWTSecret has no default.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeLocal,
		TokenTTL:   30 * time.Minute,
		ServiceURL: "http://localhost:8001",
		Timeout:    5 * time.Second,
	}
}

// Validate checks the configuration for the selected mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
	case ModeRemote:
		if c.ServiceURL == "" {
			return fmt.Errorf("auth.service_url is required in remote mode")
		}
	default:
		return fmt.Errorf("invalid auth mode: %q", c.Mode)
	}
	return nil
}

type contextKey string

const subjectContextKey contextKey = "auth-subject"

// ContextWithSubject stores s in ctx.
func ContextWithSubject(ctx context.Context, s *Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey, s)
}

// SubjectFromContext returns the verified caller, if any.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	s, ok := ctx.Value(subjectContextKey).(*Subject)
	return s, ok && s != nil
}

// NewVerifier builds the verifier selected by cfg.Mode.
func NewVerifier(cfg Config, breakers *resilience.Registry) (Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeRemote {
		return NewRemoteVerifier(cfg, breakers), nil
	}
	v, err := NewJWTVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return v, nil
}
