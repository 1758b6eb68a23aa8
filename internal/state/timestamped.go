// Package state buffers the latest synchronized values per player and
// applies the ones that are still fresh to the game once per tick.
package state

import "time"

// Timestamped pairs a value with the instant it was received.
type Timestamped[T any] struct {
	Value    T
	Captured time.Time
}

// Stamp wraps value with its capture instant.
func Stamp[T any](value T, now time.Time) Timestamped[T] {
	return Timestamped[T]{Value: value, Captured: now}
}

// IsDiscard reports whether the value is too old to use.
// A value exactly maxLatency old is still used; an unset capture time is always discarded.
func (t Timestamped[T]) IsDiscard(now time.Time, maxLatency time.Duration) bool {
	if t.Captured.IsZero() {
		return true
	}
	return now.Sub(t.Captured) > maxLatency
}
