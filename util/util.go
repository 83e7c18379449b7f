// Package util collects small, dependency-light helpers shared across the
// engine that don't warrant their own package.
package util

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UUID returns a new random GUID string, used for record ids, transaction
// ids and exception-report correlation ids alike.
func UUID() string {
	return uuid.NewString()
}

// Deref returns the zero value of T when p is nil, otherwise *p.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Ptr returns a pointer to v. Handy for the nullable *bool/*time.Time fields
// record classes carry.
func Ptr[T any](v T) *T {
	return &v
}

// FormatDurationSmart renders a duration with the coarsest unit that keeps
// it readable, matching the timing lines the dispatcher and the bootstrap
// initializer log.
func FormatDurationSmart(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.3fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%dus", d.Microseconds())
	}
}
