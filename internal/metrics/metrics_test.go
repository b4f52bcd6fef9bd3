// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// sampleCount extracts the observation count from a Prometheus histogram.
func sampleCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	h, ok := o.(prometheus.Histogram)
	if !ok {
		t.Fatalf("observer %T is not a histogram", o)
	}
	var m io_prometheus_client.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecordBooking(t *testing.T) {
	before := testutil.ToFloat64(BookingRequests.WithLabelValues("book", "insufficient_capacity"))

	RecordBooking("book", "insufficient_capacity", 12*time.Millisecond)

	after := testutil.ToFloat64(BookingRequests.WithLabelValues("book", "insufficient_capacity"))
	if after-before != 1 {
		t.Errorf("booking counter delta = %v, want 1", after-before)
	}
}

func TestRecordCompensation(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		label string
	}{
		{"released", nil, "success"},
		{"release failed", errors.New("badger closed"), "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(BookingCompensations.WithLabelValues(tt.label))
			RecordCompensation(tt.err)
			after := testutil.ToFloat64(BookingCompensations.WithLabelValues(tt.label))
			if after-before != 1 {
				t.Errorf("%s delta = %v, want 1", tt.label, after-before)
			}
		})
	}
}

func TestRecordLedgerOp(t *testing.T) {
	before := testutil.ToFloat64(LedgerOperations.WithLabelValues("badger", "reserve", "ok"))
	RecordLedgerOp("badger", "reserve", "ok")
	RecordLedgerOp("badger", "reserve", "ok")
	after := testutil.ToFloat64(LedgerOperations.WithLabelValues("badger", "reserve", "ok"))
	if after-before != 2 {
		t.Errorf("ledger counter delta = %v, want 2", after-before)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := sampleCount(t, APIRequestDuration.WithLabelValues("POST", "/book", "201"))
	RecordAPIRequest("POST", "/book", 201, 3*time.Millisecond)
	if after := sampleCount(t, APIRequestDuration.WithLabelValues("POST", "/book", "201")); after-before != 1 {
		t.Errorf("sample count delta = %d, want 1", after-before)
	}

	if n := testutil.CollectAndCount(APIRequestDuration); n == 0 {
		t.Error("expected at least one api_request_duration_seconds series")
	}
}
