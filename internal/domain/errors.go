package domain

import "errors"

var (
	// ErrStoreUnavailable marks transient datastore failures. Operations are
	// atomic per call, so retrying with backoff is always safe.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLeaseLost means the caller no longer holds the lease; whatever it
	// computed for the job must be discarded.
	ErrLeaseLost = errors.New("lease lost")

	// ErrUnknownWorker means the worker record was purged or shut down. The
	// caller must register again.
	ErrUnknownWorker = errors.New("unknown worker")

	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidArgument = errors.New("invalid argument")
)
