package schwartz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// WorkOnce makes one grab attempt across all shards for the registered
// abilities. If a job is acquired its descriptor's Work runs inside the
// fault barrier. Returns whether a job was worked.
func (c *Client) WorkOnce(ctx context.Context) (bool, error) {
	j, err := c.grabJob(ctx, c.abilities.names())
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	c.workSafely(ctx, j)
	return true, nil
}

// WorkUntilDone calls WorkOnce until no shard yields an eligible job,
// then returns how many jobs were worked. Used for draining and test
// harnesses.
func (c *Client) WorkUntilDone(ctx context.Context) (int, error) {
	worked := 0
	for {
		did, err := c.WorkOnce(ctx)
		if err != nil {
			return worked, err
		}
		if !did {
			return worked, nil
		}
		worked++
	}
}

// Work runs until ctx is cancelled. When a pass over the shards yields no
// job it sleeps delay (plus up to 25% jitter, so idle workers across a
// fleet don't poll in lockstep) before retrying. Expired exit status rows
// are swept every Config.SweepInterval.
func (c *Client) Work(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	c.logger.Info("work loop starting",
		slog.String("worker", c.workerID.String()),
		slog.Any("abilities", c.abilities.names()),
	)
	lastSweep := c.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		did, err := c.WorkOnce(ctx)
		if err != nil {
			c.logger.Error("work pass failed", slog.String("error", err.Error()))
		}

		if c.cfg.SweepInterval > 0 && c.now().Sub(lastSweep) >= c.cfg.SweepInterval {
			if _, sweepErr := c.Sweep(ctx); sweepErr != nil {
				c.logger.Warn("exit status sweep failed", slog.String("error", sweepErr.Error()))
			}
			lastSweep = c.now()
		}

		if did {
			continue
		}
		sleep := delay + time.Duration(rand.Float64()*0.25*float64(delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// workSafely invokes the descriptor's Work inside the fault barrier that
// defines the handler contract: a handler either calls a terminal method
// itself, or its return decides — nil completes the job, ErrDeclined
// releases it untouched, and any other error (or a panic) fails it with
// bounded retry. Errors from the terminal bookkeeping itself are logged,
// not propagated; an unreachable shard just means the lease expires and
// the job is reclaimed.
func (c *Client) workSafely(ctx context.Context, j *Job) {
	w, ok := j.worker()
	if !ok {
		// Grab only leases registered funcnames; reaching here means
		// the registry was reset mid-flight. Put the job back.
		j.finished = true
		if err := j.release(ctx, c.nowUnix(), "declined"); err != nil {
			c.logger.Warn("release of unregistered job failed", slog.String("error", err.Error()))
		}
		return
	}

	c.current.Store(j)
	defer c.current.Store(nil)
	ctx = withJob(ctx, j)

	terminal := func(ctx context.Context) error { return w.Work(ctx, j) }
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		if len(c.mw) > 0 {
			return Chain(c.mw...)(ctx, j, terminal)
		}
		return terminal(ctx)
	}()
	metricWorkDuration.WithLabelValues(j.FuncName).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrDeclined):
		if !j.finished {
			j.finished = true
			if relErr := j.release(ctx, c.nowUnix(), "declined"); relErr != nil {
				c.logger.Warn("release of declined job failed",
					slog.String("handle", j.Handle.String()),
					slog.String("error", relErr.Error()),
				)
			}
		}
	case err != nil:
		if j.finished {
			// The handler already terminated the job; the error is
			// informational only.
			c.logger.Debug("handler returned error after terminal call",
				slog.String("handle", j.Handle.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		if failErr := j.Failed(ctx, err.Error()); failErr != nil {
			c.logger.Warn("failed to record job failure",
				slog.String("handle", j.Handle.String()),
				slog.String("error", failErr.Error()),
			)
		}
	default:
		// Normal return without a terminal call counts as success.
		if !j.finished {
			if compErr := j.Completed(ctx); compErr != nil {
				c.logger.Warn("failed to record job completion",
					slog.String("handle", j.Handle.String()),
					slog.String("error", compErr.Error()),
				)
			}
		}
	}
}
