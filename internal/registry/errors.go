package registry

import "errors"

// Sentinel errors the worker's reply cascade maps to SIP status codes
// (internal/worker/reply.go is the single translation point, per the
// error-kind split the daemon follows for every subsystem).
var (
	// ErrCapacityExhausted is returned by Create when the entry arena has
	// no free slots. The caller should answer 503 Retry-After.
	ErrCapacityExhausted = errors.New("registry: capacity exhausted")

	// ErrIntervalTooBrief is returned by Refresh when the requested
	// Expires is below the configured minimum. The caller should answer
	// 423 Interval Too Brief with a Min-Expires header.
	ErrIntervalTooBrief = errors.New("registry: interval too brief")

	// ErrNotFound is returned by Access/Invite when id names no
	// provisioned or registered entry.
	ErrNotFound = errors.New("registry: not found")

	// ErrRejected is returned by Invite when the entry's type is REJECT
	// or its state is EXPIRED.
	ErrRejected = errors.New("registry: destination rejected")

	// ErrNoRoute is returned by GetRouting when no pattern's prefix/suffix
	// wraps the dialed string.
	ErrNoRoute = errors.New("registry: no matching route")
)
