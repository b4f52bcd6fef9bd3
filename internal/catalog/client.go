// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

/*
Package catalog is the REST client for the event catalog service, the owner
of each event's seat capacity.

Every call runs through the "catalog" circuit breaker with the registry's
retry policy inside it, so a retried lookup is a single breaker outcome.
A 404 is a permanent answer: it is neither retried nor counted against the
breaker.

Successful lookups are cached for CacheTTL, so a burst of bookings for one
event costs a single catalog call. A capacity update drops the cached entry.
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/boxoffice/internal/cache"
	"github.com/tomtom215/boxoffice/internal/resilience"
)

// BreakerName is the registry key guarding the catalog service.
const BreakerName = "catalog"

var (
	ErrEventNotFound = errors.New("event not found")

	// ErrUnexpectedStatus wraps non-2xx responses other than 404.
	ErrUnexpectedStatus = errors.New("unexpected catalog response")
)

// Config configures the catalog client.
type Config struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`

	// CacheTTL keeps fetched events for this long. Zero disables the cache.
	CacheTTL  time.Duration `koanf:"cache_ttl"`
	CacheSize int           `koanf:"cache_size"`
}

// DefaultConfig returns defaults for a catalog service on localhost.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8002",
		Timeout:   5 * time.Second,
		CacheTTL:  30 * time.Second,
		CacheSize: 1024,
	}
}

// Event is the catalog's view of an event.
type Event struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Venue          string    `json:"venue,omitempty"`
	StartsAt       time.Time `json:"starts_at,omitempty"`
	Capacity       int64     `json:"capacity"`
	AvailableSeats *int64    `json:"available_seats,omitempty"`
}

// Client talks to the catalog service.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breakers   *resilience.Registry
	events     *cache.LRU[Event] // nil when caching is off
}

// NewClient creates a catalog client using the shared breaker registry.
func NewClient(cfg Config, breakers *resilience.Registry) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{},
		breakers:   breakers,
	}
	if cfg.CacheTTL > 0 {
		c.events = cache.NewLRU[Event](cfg.CacheSize, cfg.CacheTTL)
	}
	return c
}

// GetEvent fetches an event and its capacity.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	if c.events != nil {
		if ev, ok := c.events.Get(eventID); ok {
			return &ev, nil
		}
	}
	ev, err := resilience.Call(ctx, c.breakers, BreakerName, func(ctx context.Context) (*Event, error) {
		return c.getEvent(ctx, eventID)
	})
	if err != nil {
		return nil, err
	}
	if c.events != nil {
		c.events.Add(eventID, *ev)
	}
	return ev, nil
}

// UpdateCapacity reports the seats taken by a new booking. It is a
// best-effort sync: callers log failures and move on.
func (c *Client) UpdateCapacity(ctx context.Context, eventID string, seats int64) error {
	if c.events != nil {
		c.events.Remove(eventID)
	}
	_, err := resilience.Call(ctx, c.breakers, BreakerName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.updateCapacity(ctx, eventID, seats)
	})
	return err
}

func (c *Client) getEvent(ctx context.Context, eventID string) (*Event, error) {
	resp, err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		return nil, fmt.Errorf("catalog event request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, eventID); err != nil {
		return nil, err
	}

	var event Event
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode catalog event: %w", err)
	}
	if event.ID == "" {
		event.ID = eventID
	}
	return &event, nil
}

func (c *Client) updateCapacity(ctx context.Context, eventID string, seats int64) error {
	q := url.Values{"seats": {strconv.FormatInt(seats, 10)}}
	resp, err := c.do(ctx, http.MethodPut, "/events/"+url.PathEscape(eventID)+"/capacity", q)
	if err != nil {
		return fmt.Errorf("catalog capacity update failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, eventID)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		cancel()
		return nil, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the per-call timeout once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func checkStatus(resp *http.Response, eventID string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrEventNotFound, eventID))
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%w: status %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}
