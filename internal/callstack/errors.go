package callstack

import "errors"

var (
	// ErrCapacityExhausted is returned by Create when the call or
	// segment arena is full. The caller answers 503 Retry-After.
	ErrCapacityExhausted = errors.New("callstack: capacity exhausted")

	// ErrNotFound is returned when a cid/tid lookup misses.
	ErrNotFound = errors.New("callstack: not found")

	// ErrInvalidTransition is returned when Fire is attempted from a
	// state that does not permit the given event.
	ErrInvalidTransition = errors.New("callstack: invalid state transition")
)
