// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package api exposes the reservation coordinator over HTTP using the chi
// router. Every response uses the APIResponse envelope.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/boxoffice/internal/auth"
	"github.com/tomtom215/boxoffice/internal/logging"
	"github.com/tomtom215/boxoffice/internal/middleware"
)

// Config configures the HTTP server and its middleware.
type Config struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSAllowedOrigins is empty by default, which rejects cross-origin
	// browsers until configured.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// RateLimitRequests per RateLimitWindow per client IP, applied to the
	// booking routes.
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}
}

// NewRouter builds the routes.
//
//	POST   /book                                   create a booking
//	GET    /my-bookings                            list the caller's bookings
//	GET    /booking/{id}                           one booking (owner only)
//	DELETE /booking/{id}                           cancel (owner only)
//	PUT    /booking/{id}/confirm                   confirm (owner only)
//	GET    /health/live, /health/ready             probes
//	GET    /metrics                                Prometheus
//	GET    /metrics/circuit-breakers               breaker snapshot
//	POST   /metrics/circuit-breakers/{name}/reset  close a breaker (role-checked)
//	GET    /metrics/consistency/{resourceId}       ledger drift
//	GET    /ws/availability                        live seat changes (when configured)
//
// A nil authorizer leaves the reset endpoint open to any authenticated caller.
func NewRouter(cfg Config, h *Handler, verifier auth.Verifier, authorizer Authorizer) http.Handler {
	authn := auth.NewMiddleware(verifier, writeAuthError)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.CorrelationIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         86400,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusNotFound, ErrCodeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/metrics", func(r chi.Router) {
		r.Handle("/", promhttp.Handler())
		r.Get("/circuit-breakers", h.CircuitBreakers)
		r.Get("/consistency/{resourceId}", h.Consistency)
		r.With(authn.Authenticate, authorize(authorizer, "reset", func(r *http.Request) string {
			return "breakers/" + chi.URLParam(r, "name")
		})).Post("/circuit-breakers/{name}/reset", h.ResetCircuitBreaker)
	})

	if h.live != nil {
		r.Get("/ws/availability", h.live.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg))
		r.Use(authn.Authenticate)

		r.Post("/book", h.Book)
		r.Get("/my-bookings", h.MyBookings)
		r.Route("/booking/{id}", func(r chi.Router) {
			r.Get("/", h.GetBooking)
			r.Delete("/", h.CancelBooking)
			r.Put("/confirm", h.ConfirmBooking)
		})
	})

	return r
}

// Authorizer decides whether an authenticated subject may act on an object.
type Authorizer interface {
	Authorize(s *auth.Subject, object, action string) (bool, error)
}

func authorize(a Authorizer, action string, object func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, _ := auth.SubjectFromContext(r.Context())
			allowed, err := a.Authorize(subject, object(r), action)
			if err != nil {
				logging.Ctx(r.Context()).Error().Err(err).Msg("Authorization check failed")
				NewResponseWriter(w, r).Error(http.StatusInternalServerError, ErrCodeInternalError, "Authorization check failed")
				return
			}
			if !allowed {
				NewResponseWriter(w, r).Error(http.StatusForbidden, ErrCodeForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimit(cfg Config) func(http.Handler) http.Handler {
	if cfg.RateLimitDisabled || cfg.RateLimitRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.RateLimitRequests,
		cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			NewResponseWriter(w, r).Error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "Rate limit exceeded")
		}),
	)
}

// NewServer wraps the router in an http.Server with cfg's timeouts.
func NewServer(cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
