// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/boxoffice/internal/resilience"
)

// BreakerName is the registry key guarding the auth service.
const BreakerName = "auth"

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid  *bool    `json:"valid,omitempty"`
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// RemoteVerifier asks the auth service to verify tokens: POST /verify
// {token} returns {user_id}. Calls run through the "auth" breaker with the
// registry's retry policy. A rejected token is a permanent answer and never
// falls back to trusting the token unverified.
type RemoteVerifier struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breakers   *resilience.Registry
}

// NewRemoteVerifier creates a verifier for the auth service at cfg.ServiceURL.
func NewRemoteVerifier(cfg Config, breakers *resilience.Registry) *RemoteVerifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteVerifier{
		baseURL:    strings.TrimSuffix(cfg.ServiceURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		breakers:   breakers,
	}
}

// Verify implements Verifier.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Subject, error) {
	if token == "" {
		return nil, ErrNoCredentials
	}
	subject, err := resilience.Call(ctx, v.breakers, BreakerName, func(ctx context.Context) (*Subject, error) {
		return v.verify(ctx, token)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrExpiredCredentials) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return subject, nil
}

func (v *RemoteVerifier) verify(ctx context.Context, token string) (*Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth verify request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest:
		return nil, resilience.Permanent(ErrInvalidCredentials)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("auth verify returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	if out.UserID == "" || (out.Valid != nil && !*out.Valid) {
		return nil, resilience.Permanent(ErrInvalidCredentials)
	}
	return &Subject{UserID: out.UserID, Email: out.Email, Roles: out.Roles}, nil
}
