package schwartz

import (
	"context"
	"errors"
	"fmt"

	"github.com/yshh/schwartz/driver"
)

// JobHandle is a persistent reference to a job: the shard it lives on and
// its primary key there. Handles are valid across processes; only the two
// exported fields matter for serialization, and a handle can be rebuilt
// from them with Client.Handle.
type JobHandle struct {
	ShardID string
	JobID   int64

	client *Client
}

// Handle rebuilds a JobHandle bound to this client, e.g. from values
// stored elsewhere.
func (c *Client) Handle(shardID string, jobid int64) *JobHandle {
	return &JobHandle{ShardID: shardID, JobID: jobid, client: c}
}

// String renders the handle as "shard/jobid".
func (h *JobHandle) String() string {
	return fmt.Sprintf("%s/%d", h.ShardID, h.JobID)
}

// shard resolves the owning shard on the handle's client.
func (h *JobHandle) shard() (*shard, error) {
	if h.client == nil {
		return nil, ErrHandleDetached
	}
	s := h.client.shardByID(h.ShardID)
	if s == nil {
		return nil, ErrHandleDetached
	}
	return s, nil
}

// Failures returns how many error rows the job has accumulated.
func (h *JobHandle) Failures(ctx context.Context) (int, error) {
	s, err := h.shard()
	if err != nil {
		return 0, err
	}
	n, err := s.drv.CountErrors(ctx, h.JobID)
	if err != nil {
		return 0, fmt.Errorf("schwartz: count failures: %w", err)
	}
	return n, nil
}

// FailureLog returns the job's error messages, oldest first.
func (h *JobHandle) FailureLog(ctx context.Context) ([]string, error) {
	s, err := h.shard()
	if err != nil {
		return nil, err
	}
	rows, err := s.drv.ErrorsForJob(ctx, h.JobID, 0)
	if err != nil {
		return nil, fmt.Errorf("schwartz: failure log: %w", err)
	}
	msgs := make([]string, len(rows))
	for i, row := range rows {
		msgs[i] = row.Message
	}
	return msgs, nil
}

// ExitStatus returns the recorded final disposition, or driver.ErrNotFound
// if none was recorded or it has been swept.
func (h *JobHandle) ExitStatus(ctx context.Context) (int, error) {
	s, err := h.shard()
	if err != nil {
		return 0, err
	}
	row, err := s.drv.ExitStatus(ctx, h.JobID)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("schwartz: exit status: %w", err)
	}
	return row.Status, nil
}

// Pending reports whether the job row still exists (has not completed or
// failed terminally).
func (h *JobHandle) Pending(ctx context.Context) (bool, error) {
	s, err := h.shard()
	if err != nil {
		return false, err
	}
	_, err = s.drv.JobByID(ctx, h.JobID)
	if errors.Is(err, driver.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("schwartz: lookup job: %w", err)
	}
	return true, nil
}

// Job materializes the referenced job without taking a lease. Returns nil
// (and no error) if the row no longer exists.
func (h *JobHandle) Job(ctx context.Context) (*Job, error) {
	return h.client.LookupJob(ctx, h)
}
