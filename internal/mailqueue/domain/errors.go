package domain

import "errors"

var (
	// ErrNotFound: no message with the given id.
	ErrNotFound = errors.New("message not found")

	// ErrStorageUnavailable: the store could not be reached or the operation
	// failed for infrastructure reasons. Callers retry at a higher level.
	ErrStorageUnavailable = errors.New("queue storage unavailable")

	// ErrLeaseMismatch: a mark operation arrived after the worker's lease
	// expired and the record moved on. Benign race; logged, never surfaced.
	ErrLeaseMismatch = errors.New("lease no longer held by worker")

	// ErrInvalidTransition: the requested state change is not defined for the
	// record's current status (e.g. requeue of a non-failed message).
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrUnknownKind    = errors.New("unknown message kind")
	ErrInvalidPayload = errors.New("invalid message payload")
)
