package schwartz

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/yshh/schwartz/driver"
)

// grabJob attempts to lease one job for the given funcnames. Shards are
// visited in shuffled order so none is permanently starved; per-shard
// transient errors are swallowed (the shard enters its backoff window)
// and the remaining shards are tried. Returns (nil, nil) when no eligible
// job could be leased anywhere.
func (c *Client) grabJob(ctx context.Context, names []string) (*Job, error) {
	if len(names) == 0 {
		return nil, nil
	}
	shards := c.healthyShards()
	rand.Shuffle(len(shards), func(i, k int) { shards[i], shards[k] = shards[k], shards[i] })

	for _, s := range shards {
		j, err := c.grabFrom(ctx, s, names)
		if err != nil {
			c.noteShardError(s, err)
			c.logger.Debug("grab failed on shard",
				slog.String("shard", s.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if j != nil {
			c.noteShardOK(s)
			return j, nil
		}
	}

	// A full cycle without a grab: drop coalesce affinity so it cannot
	// starve the general priority order.
	for _, s := range shards {
		s.clearAffinity()
	}
	return nil, nil
}

// grabFrom runs the lease protocol against one shard: fetch a candidate
// batch, reorder for coalesce affinity, then race for each candidate with
// a conditional update on the grabbed_until snapshot. Only one competing
// worker observes rows-affected = 1.
func (c *Client) grabFrom(ctx context.Context, s *shard, names []string) (*Job, error) {
	funcids := make([]int32, 0, len(names))
	for _, name := range names {
		id, err := s.funcID(ctx, name)
		if err != nil {
			return nil, err
		}
		funcids = append(funcids, id)
	}

	now := c.nowUnix()
	cands, err := s.drv.GrabCandidates(ctx, driver.CandidateQuery{
		FuncIDs: funcids,
		Now:     now,
		Limit:   c.cfg.GrabBatch,
	})
	if err != nil {
		return nil, err
	}
	cands = s.preferAffinity(cands)

	for _, cand := range cands {
		funcname, err := s.funcName(ctx, cand.FuncID)
		if err != nil {
			return nil, err
		}
		w, ok := c.abilities.get(funcname)
		if !ok {
			continue
		}

		until := now + leaseSeconds(w.GrabFor())
		n, err := s.drv.UpdateJobIfUnchanged(ctx, cand.JobID,
			driver.JobSet{GrabbedUntil: &until},
			driver.JobSnapshot{GrabbedUntil: &cand.GrabbedUntil},
		)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// A competing worker won this row; try the next candidate.
			c.logger.Debug("lost grab race",
				slog.String("shard", s.id),
				slog.Int64("jobid", cand.JobID),
			)
			continue
		}

		cand.GrabbedUntil = until
		j, err := c.materialize(ctx, s, cand)
		if err != nil {
			// The row is leased but unusable (undecodable arg or
			// funcmap hole). Free it and surface the error.
			var free int64
			if _, relErr := s.drv.UpdateJobIfUnchanged(ctx, cand.JobID,
				driver.JobSet{GrabbedUntil: &free},
				driver.JobSnapshot{GrabbedUntil: &until},
			); relErr != nil {
				c.logger.Error("failed to release unusable job",
					slog.String("shard", s.id),
					slog.Int64("jobid", cand.JobID),
					slog.String("error", relErr.Error()),
				)
			}
			return nil, err
		}

		s.noteGrab(cand)
		metricJobsGrabbed.WithLabelValues(funcname, s.id).Inc()
		c.logger.Debug("job grabbed",
			slog.String("shard", s.id),
			slog.String("funcname", funcname),
			slog.Int64("jobid", cand.JobID),
			slog.Int64("grabbed_until", until),
			slog.String("worker", c.workerID.String()),
		)
		return j, nil
	}
	return nil, nil
}

// leaseSeconds converts a lease duration to whole seconds, at least 1 so
// a fresh lease always satisfies grabbed_until > now.
func leaseSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// preferAffinity stably moves candidates matching the shard's last
// grabbed (funcid, coalesce) pair to the front of the batch.
func (s *shard) preferAffinity(cands []*driver.JobRow) []*driver.JobRow {
	s.affMu.Lock()
	active, funcid, key := s.affActive, s.affFuncID, s.affCoalesce
	s.affMu.Unlock()
	if !active {
		return cands
	}
	preferred := make([]*driver.JobRow, 0, len(cands))
	rest := make([]*driver.JobRow, 0, len(cands))
	for _, cand := range cands {
		if cand.FuncID == funcid && cand.Coalesce != nil && *cand.Coalesce == key {
			preferred = append(preferred, cand)
		} else {
			rest = append(rest, cand)
		}
	}
	return append(preferred, rest...)
}

// noteGrab records the affinity key of the job just grabbed on this
// shard; a job without a coalesce tag clears it.
func (s *shard) noteGrab(row *driver.JobRow) {
	s.affMu.Lock()
	defer s.affMu.Unlock()
	if row.Coalesce == nil {
		s.affActive = false
		return
	}
	s.affActive = true
	s.affFuncID = row.FuncID
	s.affCoalesce = *row.Coalesce
}

func (s *shard) clearAffinity() {
	s.affMu.Lock()
	s.affActive = false
	s.affMu.Unlock()
}
