package driver

import "context"

// JobRow is the persisted form of a job on one shard.
//
// All timestamps are wall-clock Unix seconds. GrabbedUntil is 0 while the
// job is free; a non-zero value is the second after which the lease has
// expired and the row is reclaimable.
type JobRow struct {
	JobID        int64
	FuncID       int32
	Arg          []byte
	UniqKey      *string
	InsertTime   int64
	RunAfter     int64
	GrabbedUntil int64
	Priority     int
	Coalesce     *string
}

// ErrorRow is one append-only failure record for a job.
type ErrorRow struct {
	ErrorTime int64
	JobID     int64
	FuncID    int32
	Message   string
}

// ExitStatusRow records the final disposition of a job. Rows are swept
// once DeleteAfter has passed.
type ExitStatusRow struct {
	JobID          int64
	FuncID         int32
	Status         int
	CompletionTime int64
	DeleteAfter    int64
}

// CandidateQuery selects grabbable rows: funcid in FuncIDs, run_after and
// grabbed_until both at or before Now. Drivers must return candidates
// ordered by priority descending, then jobid ascending.
type CandidateQuery struct {
	FuncIDs []int32
	Now     int64
	Limit   int
}

// JobSet names the columns written by UpdateJobIfUnchanged. Nil fields are
// left untouched.
type JobSet struct {
	GrabbedUntil *int64
	RunAfter     *int64
}

// JobSnapshot names the columns that must still hold their observed values
// for UpdateJobIfUnchanged to apply. Nil fields are not checked.
type JobSnapshot struct {
	GrabbedUntil *int64
}

// Driver is the storage contract for one shard. Implementations must be
// safe for concurrent use.
type Driver interface {
	// Migrate creates or upgrades the shard's schema. Idempotent.
	Migrate(ctx context.Context) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases the shard's resources.
	Close() error

	// FuncID interns funcname to its per-shard integer id, creating the
	// mapping if absent.
	FuncID(ctx context.Context, funcname string) (int32, error)
	// FuncName resolves a funcid back to its name. Returns ErrNotFound
	// for an unknown id.
	FuncName(ctx context.Context, funcid int32) (string, error)

	// InsertJob persists a new job row and returns its jobid. A
	// (funcid, uniqkey) collision returns ErrConstraintViolated.
	InsertJob(ctx context.Context, row *JobRow) (int64, error)
	// InsertJobs persists several rows in a single transaction. A uniqkey
	// collision inside the batch reuses the existing row's jobid rather
	// than aborting the batch.
	InsertJobs(ctx context.Context, rows []*JobRow) ([]int64, error)
	// JobByID fetches one row. Returns ErrNotFound if missing.
	JobByID(ctx context.Context, jobid int64) (*JobRow, error)
	// JobByUniqKey fetches the row holding (funcid, uniqkey), if any.
	JobByUniqKey(ctx context.Context, funcid int32, uniqkey string) (*JobRow, error)
	// GrabCandidates returns rows eligible for grabbing, in grab order.
	GrabCandidates(ctx context.Context, q CandidateQuery) ([]*JobRow, error)
	// ListJobs returns up to limit rows for funcid, jobid ascending,
	// regardless of lease or run_after state.
	ListJobs(ctx context.Context, funcid int32, limit int) ([]*JobRow, error)
	// UpdateJobIfUnchanged applies set to the row iff every snapshot
	// column still matches. Returns the number of rows affected (0 or 1).
	UpdateJobIfUnchanged(ctx context.Context, jobid int64, set JobSet, snap JobSnapshot) (int64, error)
	// RemoveJob deletes a job row. Returns ErrNotFound if missing.
	RemoveJob(ctx context.Context, jobid int64) error

	// InsertError appends a failure record.
	InsertError(ctx context.Context, row *ErrorRow) error
	// CountErrors returns the number of failure records for jobid.
	CountErrors(ctx context.Context, jobid int64) (int, error)
	// ErrorsForJob returns up to limit failure records for jobid, oldest
	// first. limit <= 0 means no limit.
	ErrorsForJob(ctx context.Context, jobid int64, limit int) ([]*ErrorRow, error)

	// InsertExitStatus records a final disposition.
	InsertExitStatus(ctx context.Context, row *ExitStatusRow) error
	// ExitStatus fetches the disposition for jobid. Returns ErrNotFound
	// if missing or already swept.
	ExitStatus(ctx context.Context, jobid int64) (*ExitStatusRow, error)
	// SweepExitStatuses deletes rows whose delete_after is before now and
	// returns how many were removed. Safe to run concurrently.
	SweepExitStatuses(ctx context.Context, now int64) (int64, error)

	// ReplaceJob atomically inserts the replacement rows, records the
	// optional exit status for the original, and removes the original —
	// all in one transaction. On any error the transaction is rolled
	// back and the error propagated. A uniqkey collision on a
	// replacement reuses the existing row's jobid.
	ReplaceJob(ctx context.Context, jobid int64, exit *ExitStatusRow, replacements []*JobRow) ([]int64, error)
}
