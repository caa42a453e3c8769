package schwartz

import "errors"

var (
	// ErrNoShardAvailable means every configured shard is unhealthy or
	// rejected the operation.
	ErrNoShardAvailable = errors.New("schwartz: no shard available")

	// ErrSerializationFailed means a job argument could not be encoded
	// or decoded.
	ErrSerializationFailed = errors.New("schwartz: argument serialization failed")

	// ErrLeaseLost means a mid-work conditional update observed zero
	// rows affected: another worker reclaimed the job after the lease
	// expired. The holder should abandon the job.
	ErrLeaseLost = errors.New("schwartz: lease lost")

	// ErrDeclined may be returned from a Worker's Work method to release
	// the job back to the free pool untouched — no error row, no retry
	// accounting.
	ErrDeclined = errors.New("schwartz: job declined")

	// ErrHandleDetached means a JobHandle references a shard this client
	// is not configured with.
	ErrHandleDetached = errors.New("schwartz: handle references unknown shard")
)
