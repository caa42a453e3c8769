package driver

import "errors"

var (
	// ErrConnectionLost indicates the shard's connection dropped. The
	// client marks the shard unhealthy for a backoff window.
	ErrConnectionLost = errors.New("driver: connection lost")

	// ErrTimeout indicates a shard operation exceeded its deadline.
	// Treated like ErrConnectionLost for shard health purposes.
	ErrTimeout = errors.New("driver: timeout")

	// ErrSerializationConflict indicates the store aborted a transaction
	// due to a serialization conflict; the operation may be retried.
	ErrSerializationConflict = errors.New("driver: serialization conflict")

	// ErrConstraintViolated indicates a unique-key collision. For job
	// inserts this means a row with the same (funcid, uniqkey) exists.
	ErrConstraintViolated = errors.New("driver: constraint violated")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("driver: not found")

	// ErrUnknownDriver is returned by Open for an unregistered name.
	ErrUnknownDriver = errors.New("driver: unknown driver")
)
