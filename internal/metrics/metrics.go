// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package metrics declares the Prometheus instruments shared by the
// reservation flow, the breaker registry, the outbox and the worker.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retried attempts of remote calls, excluding the first attempt",
		},
		[]string{"name"},
	)

	// Booking Metrics
	BookingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_requests_total",
			Help: "Booking lifecycle operations by outcome",
		},
		[]string{"operation", "outcome"}, // operation: book, cancel, confirm
	)

	BookingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "booking_duration_seconds",
			Help:    "End-to-end duration of booking lifecycle operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BookingCompensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_compensations_total",
			Help: "Ledger releases issued to undo a reservation after a later step failed",
		},
		[]string{"result"}, // success, failure
	)

	// Ledger Metrics
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Capacity ledger operations by backend and result",
		},
		[]string{"backend", "operation", "result"},
	)

	LedgerConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_conflicts_total",
			Help: "Optimistic concurrency conflicts retried by the capacity ledger",
		},
		[]string{"backend"},
	)

	// Event Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to the message bus",
		},
		[]string{"topic", "event_type"},
	)

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Domain events that could not be enqueued or published",
		},
		[]string{"stage"}, // enqueue, publish, dropped
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Events waiting in the local outbox",
		},
	)

	// Worker Metrics
	WorkerEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_events_processed_total",
			Help: "Events handled by the consistency worker",
		},
		[]string{"event_type", "result"}, // processed, ignored, failed, rejected, malformed
	)

	WorkerEffectsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_effects_skipped_total",
			Help: "Side effects skipped because the event was already applied",
		},
		[]string{"effect"},
	)

	// API Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordBooking records the outcome and latency of a lifecycle operation.
func RecordBooking(operation, outcome string, duration time.Duration) {
	BookingRequests.WithLabelValues(operation, outcome).Inc()
	BookingDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCompensation counts a compensating release.
func RecordCompensation(err error) {
	if err != nil {
		BookingCompensations.WithLabelValues("failure").Inc()
		return
	}
	BookingCompensations.WithLabelValues("success").Inc()
}

// RecordLedgerOp counts a ledger call.
func RecordLedgerOp(backend, operation, result string) {
	LedgerOperations.WithLabelValues(backend, operation, result).Inc()
}

// RecordAPIRequest observes one HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
