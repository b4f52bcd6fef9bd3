// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

package booking

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCapacity  = errors.New("insufficient capacity")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrPersistence           = errors.New("booking persistence failed")
	ErrAlreadyCancelled      = errors.New("booking already cancelled")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrEventNotFound         = errors.New("event not found")
	ErrInvalidTransition     = errors.New("invalid booking status transition")

	// ErrStatusConflict is returned by Store.Transition when the current
	// status is not one of the expected ones.
	ErrStatusConflict = errors.New("booking status changed concurrently")
)

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
