// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

/*
Package config loads the service configuration.

Sources are layered, later ones winning:

 1. built-in defaults (each package's DefaultConfig)
 2. an optional YAML file (CONFIG_PATH, else config.yaml or
    /etc/boxoffice/config.yaml)
 3. environment variables with the BOXOFFICE_ prefix, using a double
    underscore between levels:

	BOXOFFICE_SERVER__ADDR=:9090                   -> server.addr
	BOXOFFICE_BREAKERS__CATALOG__RECOVERY_TIMEOUT  -> breakers.catalog.recovery_timeout
	BOXOFFICE_SERVER__CORS_ALLOWED_ORIGINS=a,b     -> comma-separated list

The result is validated before it is returned.
*/
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tomtom215/boxoffice/internal/analytics"
	"github.com/tomtom215/boxoffice/internal/api"
	"github.com/tomtom215/boxoffice/internal/auth"
	"github.com/tomtom215/boxoffice/internal/authz"
	"github.com/tomtom215/boxoffice/internal/booking"
	"github.com/tomtom215/boxoffice/internal/catalog"
	"github.com/tomtom215/boxoffice/internal/database"
	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/resilience"
	"github.com/tomtom215/boxoffice/internal/wal"
	"github.com/tomtom215/boxoffice/internal/websocket"
	"github.com/tomtom215/boxoffice/internal/worker"
)

// Config is the complete service configuration.
type Config struct {
	Server    api.Config             `koanf:"server"`
	Auth      auth.Config            `koanf:"auth"`
	Authz     authz.Config           `koanf:"authz"`
	Catalog   catalog.Config         `koanf:"catalog"`
	Breakers  BreakersConfig         `koanf:"breakers"`
	Retry     resilience.RetryConfig `koanf:"retry"`
	Ledger    LedgerConfig           `koanf:"ledger"`
	Database  database.Config        `koanf:"database"`
	Booking   booking.Config         `koanf:"booking"`
	NATS      events.ServerConfig    `koanf:"nats"`
	Events    events.Config          `koanf:"events"`
	Outbox    wal.Config             `koanf:"outbox"`
	Worker    worker.Config          `koanf:"worker"`
	Analytics analytics.Config       `koanf:"analytics"`
	Live      websocket.Config       `koanf:"live"`
	Logging   LoggingConfig          `koanf:"logging"`
}

// BreakersConfig holds breaker settings. Per-dependency sections override
// Defaults field by field; zero fields inherit.
type BreakersConfig struct {
	Defaults resilience.Config `koanf:"defaults"`
	Catalog  resilience.Config `koanf:"catalog"`
	Auth     resilience.Config `koanf:"auth"`
	Ledger   resilience.Config `koanf:"ledger"`
	EventBus resilience.Config `koanf:"event_bus"`
}

// Ledger backends.
const (
	LedgerBadger = "badger"
	LedgerKV     = "kv"
)

// LedgerConfig selects the capacity ledger.
type LedgerConfig struct {
	// Backend is "badger" (local, shares the outbox database) or "kv"
	// (NATS JetStream KeyValue, shared by every replica).
	Backend  string `koanf:"backend"`
	KVBucket string `koanf:"kv_bucket"`
}

// LoggingConfig mirrors logging.Config for koanf.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Options converts to the logging package's configuration.
func (c LoggingConfig) Options() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Level
	cfg.Format = c.Format
	cfg.Caller = c.Caller
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Server:  api.DefaultConfig(),
		Auth:    auth.DefaultConfig(),
		Authz:   authz.DefaultConfig(),
		Catalog: catalog.DefaultConfig(),
		Breakers: BreakersConfig{
			Defaults: resilience.DefaultConfig(),
		},
		Retry: resilience.DefaultRetryConfig(),
		Ledger: LedgerConfig{
			Backend:  LedgerBadger,
			KVBucket: "capacity",
		},
		Database:  database.DefaultConfig(),
		Booking:   booking.DefaultConfig(),
		NATS:      events.DefaultServerConfig(),
		Events:    events.DefaultConfig(),
		Outbox:    wal.DefaultConfig(),
		Worker:    worker.DefaultConfig(),
		Analytics: analytics.DefaultConfig(),
		Live:      websocket.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// RegistryConfig builds the breaker registry configuration.
func (c *Config) RegistryConfig() resilience.RegistryConfig {
	overrides := map[string]resilience.Config{
		catalog.BreakerName:   c.Breakers.Catalog,
		auth.BreakerName:      c.Breakers.Auth,
		booking.LedgerBreaker: c.Breakers.Ledger,
		events.BreakerName:    c.Breakers.EventBus,
	}
	breakers := make(map[string]resilience.Config, len(overrides))
	for name, o := range overrides {
		if o == (resilience.Config{}) {
			continue
		}
		breakers[name] = inherit(o, c.Breakers.Defaults)
	}
	return resilience.RegistryConfig{
		Defaults: c.Breakers.Defaults,
		Breakers: breakers,
		Retry:    c.Retry,
	}
}

func inherit(o, d resilience.Config) resilience.Config {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.SuccessThreshold == 0 {
		o.SuccessThreshold = d.SuccessThreshold
	}
	if o.RecoveryTimeout == 0 {
		o.RecoveryTimeout = d.RecoveryTimeout
	}
	return o
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURL(c.Catalog.BaseURL, "catalog.base_url"); err != nil {
		errs = append(errs, err)
	}
	if c.Catalog.Timeout <= 0 {
		errs = append(errs, errors.New("catalog.timeout must be positive"))
	}
	if c.Authz.CacheTTL < 0 {
		errs = append(errs, errors.New("authz.cache_ttl must not be negative"))
	}
	if c.Catalog.CacheTTL < 0 || c.Catalog.CacheSize < 0 {
		errs = append(errs, errors.New("catalog.cache_ttl and catalog.cache_size must not be negative"))
	}
	if c.Live.BufferSize < 0 {
		errs = append(errs, errors.New("live.buffer_size must not be negative"))
	}
	errs = append(errs, c.validateResilience()...)

	switch c.Ledger.Backend {
	case LedgerBadger:
	case LedgerKV:
		if c.Events.Transport != events.TransportNATS {
			errs = append(errs, errors.New("ledger.backend=kv requires events.transport=nats"))
		}
		if c.Ledger.KVBucket == "" {
			errs = append(errs, errors.New("ledger.kv_bucket is required for the kv backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be %q or %q, got %q", LedgerBadger, LedgerKV, c.Ledger.Backend))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	errs = append(errs, c.validateBooking()...)

	if err := c.Events.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.NATS.Enabled && (c.NATS.Port <= 0 || c.NATS.Port > 65535) {
		errs = append(errs, fmt.Errorf("nats.port must be between 1 and 65535, got %d", c.NATS.Port))
	}
	if err := c.Outbox.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Worker.Enabled && c.Worker.Group == "" {
		errs = append(errs, errors.New("worker.group is required when the worker is enabled"))
	}
	if c.Worker.ProcessedTTL < 0 {
		errs = append(errs, errors.New("worker.processed_ttl must not be negative"))
	}

	errs = append(errs, c.validateLogging()...)
	return errors.Join(errs...)
}

func (c *Config) validateServer() []error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if !c.Server.RateLimitDisabled && (c.Server.RateLimitRequests <= 0 || c.Server.RateLimitWindow <= 0) {
		errs = append(errs, errors.New("server.rate_limit_requests and server.rate_limit_window must be positive unless rate limiting is disabled"))
	}
	for _, origin := range c.Server.CORSAllowedOrigins {
		if origin == "*" {
			continue
		}
		if err := validateHTTPURL(origin, "server.cors_allowed_origins"); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Config) validateResilience() []error {
	var errs []error
	check := func(name string, b resilience.Config, partial bool) {
		if b.RecoveryTimeout < 0 {
			errs = append(errs, fmt.Errorf("breakers.%s.recovery_timeout must not be negative", name))
		}
		if !partial && (b.FailureThreshold == 0 || b.SuccessThreshold == 0) {
			errs = append(errs, fmt.Errorf("breakers.%s thresholds must be positive", name))
		}
	}
	check("defaults", c.Breakers.Defaults, false)
	check("catalog", c.Breakers.Catalog, true)
	check("auth", c.Breakers.Auth, true)
	check("ledger", c.Breakers.Ledger, true)
	check("event_bus", c.Breakers.EventBus, true)

	if c.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.base_delay must be positive and not exceed retry.max_delay"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}
	return errs
}

func (c *Config) validateBooking() []error {
	var errs []error
	switch c.Booking.ConfirmationMode {
	case booking.ConfirmImmediate, booking.ConfirmPayment:
	default:
		errs = append(errs, fmt.Errorf("booking.confirmation_mode must be %q or %q, got %q",
			booking.ConfirmImmediate, booking.ConfirmPayment, c.Booking.ConfirmationMode))
	}
	if c.Booking.MaxSeatsPerBooking < 0 {
		errs = append(errs, errors.New("booking.max_seats_per_booking must not be negative"))
	}
	if c.Booking.ConfirmationMode == booking.ConfirmPayment && !c.Worker.Enabled {
		errs = append(errs, errors.New("booking.confirmation_mode=payment needs the worker to confirm bookings"))
	}
	return errs
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true,
	"error": true, "fatal": true, "panic": true, "disabled": true,
}

func (c *Config) validateLogging() []error {
	var errs []error
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errs
}

func validateHTTPURL(raw, name string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", name, raw)
	}
	return nil
}
