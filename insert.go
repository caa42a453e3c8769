package schwartz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yshh/schwartz/codec"
	"github.com/yshh/schwartz/driver"
)

// JobDescription describes a job to insert. Producers usually go through
// Insert; InsertJobs and Job.ReplaceWith take descriptions directly.
type JobDescription struct {
	// FuncName addresses the worker descriptor that will run the job.
	FuncName string

	// Arg is the job argument; it must survive codec round-tripping
	// (maps, slices, strings, numbers, booleans, nil, and structs with
	// bson tags).
	Arg any

	// UniqKey, when non-empty, makes (funcname, uniqkey) unique within a
	// shard: inserting a duplicate returns a handle to the existing row.
	UniqKey string

	// RunAfter is the earliest time the job may be grabbed. Zero means
	// immediately.
	RunAfter time.Time

	// Priority orders eligible jobs within a shard; higher runs first.
	Priority int

	// Coalesce tags the job for grab-time affinity with other jobs
	// carrying the same tag.
	Coalesce string
}

// InsertOption configures a single insert.
type InsertOption func(*JobDescription)

// WithUniqKey sets the per-shard uniqueness key.
func WithUniqKey(key string) InsertOption {
	return func(d *JobDescription) { d.UniqKey = key }
}

// WithRunAfter defers the job's eligibility.
func WithRunAfter(t time.Time) InsertOption {
	return func(d *JobDescription) { d.RunAfter = t }
}

// WithPriority sets the job's priority; higher is preferred.
func WithPriority(p int) InsertOption {
	return func(d *JobDescription) { d.Priority = p }
}

// WithCoalesce sets the job's affinity tag.
func WithCoalesce(key string) InsertOption {
	return func(d *JobDescription) { d.Coalesce = key }
}

// Insert persists one job on a weighted-random healthy shard and returns
// its handle. On a uniqkey collision the insert is a no-op and the
// returned handle refers to the existing row. Shard failures are retried
// on the remaining shards; when all are exhausted the error is
// ErrNoShardAvailable.
func (c *Client) Insert(ctx context.Context, funcname string, arg any, opts ...InsertOption) (*JobHandle, error) {
	desc := JobDescription{FuncName: funcname, Arg: arg}
	for _, opt := range opts {
		opt(&desc)
	}

	blob, err := codec.Encode(desc.Arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}

	healthy := c.healthyShards()
	if len(healthy) == 0 {
		return nil, ErrNoShardAvailable
	}
	for _, s := range weightedOrder(healthy) {
		h, insErr := c.insertOn(ctx, s, &desc, blob)
		if insErr == nil {
			c.noteShardOK(s)
			metricJobsInserted.WithLabelValues(desc.FuncName, s.id).Inc()
			return h, nil
		}
		c.noteShardError(s, insErr)
		c.logger.Debug("insert failed on shard, trying next",
			slog.String("shard", s.id),
			slog.String("funcname", desc.FuncName),
			slog.String("error", insErr.Error()),
		)
	}
	return nil, ErrNoShardAvailable
}

// insertOn attempts the insert on one shard, treating a uniqkey collision
// as success.
func (c *Client) insertOn(ctx context.Context, s *shard, desc *JobDescription, blob []byte) (*JobHandle, error) {
	row, err := c.rowFor(ctx, s, desc, blob)
	if err != nil {
		return nil, err
	}
	jobid, err := s.drv.InsertJob(ctx, row)
	if err != nil {
		if errors.Is(err, driver.ErrConstraintViolated) && desc.UniqKey != "" {
			existing, lookupErr := s.drv.JobByUniqKey(ctx, row.FuncID, desc.UniqKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("schwartz: lookup existing uniqkey row: %w", lookupErr)
			}
			c.logger.Debug("job already exists for uniqkey",
				slog.String("shard", s.id),
				slog.String("funcname", desc.FuncName),
				slog.String("uniqkey", desc.UniqKey),
				slog.Int64("jobid", existing.JobID),
			)
			return &JobHandle{ShardID: s.id, JobID: existing.JobID, client: c}, nil
		}
		return nil, err
	}
	return &JobHandle{ShardID: s.id, JobID: jobid, client: c}, nil
}

// rowFor builds the persisted row for desc on shard s, interning the
// funcname there.
func (c *Client) rowFor(ctx context.Context, s *shard, desc *JobDescription, blob []byte) (*driver.JobRow, error) {
	funcid, err := s.funcID(ctx, desc.FuncName)
	if err != nil {
		return nil, err
	}
	now := c.nowUnix()
	runAfter := now
	if !desc.RunAfter.IsZero() {
		runAfter = desc.RunAfter.Unix()
	}
	row := &driver.JobRow{
		FuncID:     funcid,
		Arg:        blob,
		InsertTime: now,
		RunAfter:   runAfter,
		Priority:   desc.Priority,
	}
	if desc.UniqKey != "" {
		key := desc.UniqKey
		row.UniqKey = &key
	}
	if desc.Coalesce != "" {
		coal := desc.Coalesce
		row.Coalesce = &coal
	}
	return row, nil
}

// InsertJobs persists several jobs in a single transaction on one
// weighted-random healthy shard. Either all descriptions land on that
// shard or none do; collisions on uniqkey reuse the existing rows.
func (c *Client) InsertJobs(ctx context.Context, descs []*JobDescription) ([]*JobHandle, error) {
	if len(descs) == 0 {
		return nil, nil
	}
	blobs := make([][]byte, len(descs))
	for i, desc := range descs {
		blob, err := codec.Encode(desc.Arg)
		if err != nil {
			return nil, fmt.Errorf("%w: job %d: %w", ErrSerializationFailed, i, err)
		}
		blobs[i] = blob
	}

	healthy := c.healthyShards()
	if len(healthy) == 0 {
		return nil, ErrNoShardAvailable
	}
	for _, s := range weightedOrder(healthy) {
		rows := make([]*driver.JobRow, len(descs))
		rowErr := error(nil)
		for i, desc := range descs {
			row, err := c.rowFor(ctx, s, desc, blobs[i])
			if err != nil {
				rowErr = err
				break
			}
			rows[i] = row
		}
		if rowErr != nil {
			c.noteShardError(s, rowErr)
			continue
		}
		ids, err := s.drv.InsertJobs(ctx, rows)
		if err != nil {
			c.noteShardError(s, err)
			c.logger.Debug("batch insert failed on shard, trying next",
				slog.String("shard", s.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.noteShardOK(s)
		handles := make([]*JobHandle, len(ids))
		for i, id := range ids {
			metricJobsInserted.WithLabelValues(descs[i].FuncName, s.id).Inc()
			handles[i] = &JobHandle{ShardID: s.id, JobID: id, client: c}
		}
		return handles, nil
	}
	return nil, ErrNoShardAvailable
}
