package schwartz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yshh/schwartz/codec"
	"github.com/yshh/schwartz/driver"
)

// Job is the in-memory representation of one leased (or looked-up) job
// row. A Job is not shared across workers — the lease guarantees
// exclusivity — so its state needs no synchronization.
//
// Exactly one terminal method (Completed, Failed, PermanentFailure,
// ReplaceWith) takes effect per Job instance; later calls log a debug
// message and return nil without side effects.
type Job struct {
	// Handle is the persistent reference to this job.
	Handle *JobHandle

	// FuncName is the resolved symbolic function name.
	FuncName string

	// Arg is the decoded job argument. See Job.UnmarshalArg for typed
	// decoding.
	Arg any

	// UniqKey is the per-shard uniqueness key, if any.
	UniqKey string

	// Priority orders eligible jobs within a shard; higher runs first.
	Priority int

	// RunAfter is the earliest Unix second the job was eligible.
	RunAfter int64

	// Coalesce is the grab-affinity tag, if any.
	Coalesce string

	client   *Client
	shard    *shard
	row      *driver.JobRow
	finished bool
}

// UnmarshalArg decodes the job argument into v, typically a struct or map
// pointer.
func (j *Job) UnmarshalArg(v any) error {
	if err := codec.DecodeInto(j.row.Arg, v); err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return nil
}

// worker returns the registered descriptor for this job's funcname, if
// any.
func (j *Job) worker() (Worker, bool) {
	return j.client.abilities.get(j.FuncName)
}

// alreadyFinished implements the single-shot guard shared by the terminal
// methods: the first call claims the job, later calls are no-ops.
func (j *Job) alreadyFinished(method string) bool {
	if j.finished {
		j.client.logger.Debug("terminal method on finished job ignored",
			slog.String("method", method),
			slog.String("funcname", j.FuncName),
			slog.String("handle", j.Handle.String()),
		)
		return true
	}
	j.finished = true
	return false
}

// exitRow builds an exit status row for this job, or nil when the
// descriptor keeps no exit status.
func (j *Job) exitRow(status int) *driver.ExitStatusRow {
	w, ok := j.worker()
	if !ok {
		return nil
	}
	keep := w.KeepExitStatusFor()
	if keep <= 0 {
		return nil
	}
	now := j.client.nowUnix()
	return &driver.ExitStatusRow{
		JobID:          j.Handle.JobID,
		FuncID:         j.row.FuncID,
		Status:         status,
		CompletionTime: now,
		DeleteAfter:    now + int64(keep/time.Second),
	}
}

// Completed records success and removes the job row. An exit status row
// (status 0) is written first when the descriptor retains exit statuses.
func (j *Job) Completed(ctx context.Context) error {
	if j.alreadyFinished("completed") {
		return nil
	}
	if exit := j.exitRow(0); exit != nil {
		if err := j.shard.drv.InsertExitStatus(ctx, exit); err != nil {
			return fmt.Errorf("schwartz: record exit status: %w", err)
		}
	}
	if err := j.shard.drv.RemoveJob(ctx, j.Handle.JobID); err != nil {
		return fmt.Errorf("schwartz: remove completed job: %w", err)
	}
	metricJobsFinished.WithLabelValues(j.FuncName, "completed").Inc()
	return nil
}

// Failed records a transient failure. While the failure count stays
// within the descriptor's retry budget the job returns to the free pool
// after the descriptor's retry delay; otherwise the failure is terminal
// and the row is removed, with exit status 1.
func (j *Job) Failed(ctx context.Context, msg string) error {
	return j.FailedWithStatus(ctx, msg, 1)
}

// FailedWithStatus is Failed with an explicit terminal exit status.
func (j *Job) FailedWithStatus(ctx context.Context, msg string, status int) error {
	if j.alreadyFinished("failed") {
		return nil
	}

	// Count includes the error row about to be written. Correct under
	// the lease protocol: only one worker holds the job, so no
	// concurrent writer can race the count (assumes sane clocks; a
	// worker running past its lease may double-count).
	prior, err := j.shard.drv.CountErrors(ctx, j.Handle.JobID)
	if err != nil {
		return fmt.Errorf("schwartz: count failures: %w", err)
	}
	failures := prior + 1

	if err := j.shard.drv.InsertError(ctx, &driver.ErrorRow{
		ErrorTime: j.client.nowUnix(),
		JobID:     j.Handle.JobID,
		FuncID:    j.row.FuncID,
		Message:   msg,
	}); err != nil {
		return fmt.Errorf("schwartz: record failure: %w", err)
	}

	maxRetries := 0
	var delay time.Duration
	if w, ok := j.worker(); ok {
		maxRetries = w.MaxRetries(j)
		delay = w.RetryDelay(failures)
	}

	if maxRetries >= failures {
		return j.release(ctx, j.client.nowUnix()+int64(delay/time.Second), "retried")
	}

	if exit := j.exitRow(status); exit != nil {
		if err := j.shard.drv.InsertExitStatus(ctx, exit); err != nil {
			return fmt.Errorf("schwartz: record exit status: %w", err)
		}
	}
	if err := j.shard.drv.RemoveJob(ctx, j.Handle.JobID); err != nil {
		return fmt.Errorf("schwartz: remove failed job: %w", err)
	}
	metricJobsFinished.WithLabelValues(j.FuncName, "failed").Inc()
	j.client.logger.Info("job failed terminally",
		slog.String("funcname", j.FuncName),
		slog.String("handle", j.Handle.String()),
		slog.Int("failures", failures),
		slog.String("error", msg),
	)
	return nil
}

// PermanentFailure records a failure that must never be retried: an error
// row, an exit status, and removal of the job row.
func (j *Job) PermanentFailure(ctx context.Context, msg string) error {
	return j.PermanentFailureWithStatus(ctx, msg, 1)
}

// PermanentFailureWithStatus is PermanentFailure with an explicit exit
// status.
func (j *Job) PermanentFailureWithStatus(ctx context.Context, msg string, status int) error {
	if j.alreadyFinished("permanent_failure") {
		return nil
	}
	if err := j.shard.drv.InsertError(ctx, &driver.ErrorRow{
		ErrorTime: j.client.nowUnix(),
		JobID:     j.Handle.JobID,
		FuncID:    j.row.FuncID,
		Message:   msg,
	}); err != nil {
		return fmt.Errorf("schwartz: record failure: %w", err)
	}
	if exit := j.exitRow(status); exit != nil {
		if err := j.shard.drv.InsertExitStatus(ctx, exit); err != nil {
			return fmt.Errorf("schwartz: record exit status: %w", err)
		}
	}
	if err := j.shard.drv.RemoveJob(ctx, j.Handle.JobID); err != nil {
		return fmt.Errorf("schwartz: remove failed job: %w", err)
	}
	metricJobsFinished.WithLabelValues(j.FuncName, "permanent_failure").Inc()
	return nil
}

// ReplaceWith atomically substitutes this job with new jobs on the same
// shard: in one transaction the replacements are inserted (subject to the
// shard's uniqkey constraints), the original is completed, and the
// transaction commits. If any step fails the transaction is rolled back
// and the error propagated; the database is left as if ReplaceWith was
// never called.
func (j *Job) ReplaceWith(ctx context.Context, descs ...*JobDescription) error {
	if j.alreadyFinished("replace_with") {
		return nil
	}
	rows := make([]*driver.JobRow, len(descs))
	for i, desc := range descs {
		blob, err := codec.Encode(desc.Arg)
		if err != nil {
			return fmt.Errorf("%w: replacement %d: %w", ErrSerializationFailed, i, err)
		}
		row, err := j.client.rowFor(ctx, j.shard, desc, blob)
		if err != nil {
			return fmt.Errorf("schwartz: replacement %d: %w", i, err)
		}
		rows[i] = row
	}
	if _, err := j.shard.drv.ReplaceJob(ctx, j.Handle.JobID, j.exitRow(0), rows); err != nil {
		return fmt.Errorf("schwartz: replace job: %w", err)
	}
	metricJobsFinished.WithLabelValues(j.FuncName, "replaced").Inc()
	for _, desc := range descs {
		metricJobsInserted.WithLabelValues(desc.FuncName, j.shard.id).Inc()
	}
	return nil
}

// RefreshLease extends this worker's claim by d from now. Long-running
// workers call this before grabbed_until passes; once it has, any worker
// may reacquire the job and the refresh returns ErrLeaseLost, in which
// case the holder must abandon the job.
func (j *Job) RefreshLease(ctx context.Context, d time.Duration) error {
	until := j.client.nowUnix() + int64(d/time.Second)
	n, err := j.shard.drv.UpdateJobIfUnchanged(ctx, j.Handle.JobID,
		driver.JobSet{GrabbedUntil: &until},
		driver.JobSnapshot{GrabbedUntil: &j.row.GrabbedUntil},
	)
	if err != nil {
		return fmt.Errorf("schwartz: refresh lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	j.row.GrabbedUntil = until
	return nil
}

// release returns the job to the free pool with the given run_after,
// guarded by the current lease snapshot.
func (j *Job) release(ctx context.Context, runAfter int64, outcome string) error {
	var free int64
	n, err := j.shard.drv.UpdateJobIfUnchanged(ctx, j.Handle.JobID,
		driver.JobSet{GrabbedUntil: &free, RunAfter: &runAfter},
		driver.JobSnapshot{GrabbedUntil: &j.row.GrabbedUntil},
	)
	if err != nil {
		return fmt.Errorf("schwartz: release job: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	j.row.GrabbedUntil = 0
	j.row.RunAfter = runAfter
	metricJobsFinished.WithLabelValues(j.FuncName, outcome).Inc()
	return nil
}
