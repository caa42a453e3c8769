package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yshh/schwartz/driver"
)

// jobColumns is the select list for job rows. "coalesce" must stay quoted
// — it is a reserved word.
var jobColumns = []string{
	"jobid", "funcid", "arg", "uniqkey",
	"insert_time", "run_after", "grabbed_until", "priority", `"coalesce"`,
}

// pgxExecutor abstracts over *pgxpool.Pool and pgx.Tx so the job
// statements run both standalone and inside transactions.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertJob persists a new job row and returns its jobid.
func (s *Store) InsertJob(ctx context.Context, row *driver.JobRow) (int64, error) {
	id, err := s.insertJobOn(ctx, s.pool, row)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) insertJobOn(ctx context.Context, db pgxExecutor, row *driver.JobRow) (int64, error) {
	sqlStr, args, err := psql.Insert(s.table("job")).
		Columns("funcid", "arg", "uniqkey", "insert_time", "run_after", "grabbed_until", "priority", `"coalesce"`).
		Values(row.FuncID, row.Arg, row.UniqKey, row.InsertTime, row.RunAfter, row.GrabbedUntil, row.Priority, row.Coalesce).
		Suffix("RETURNING jobid").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: build insert: %w", err)
	}
	var jobid int64
	if err := db.QueryRow(ctx, sqlStr, args...).Scan(&jobid); err != nil {
		return 0, fmt.Errorf("schwartz/postgres: insert job: %w", mapError(err))
	}
	return jobid, nil
}

// InsertJobs persists several rows in one transaction. A uniqkey
// collision reuses the existing row's jobid rather than aborting the
// batch.
func (s *Store) InsertJobs(ctx context.Context, rows []*driver.JobRow) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: begin: %w", mapError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	ids, err := s.insertJobsOn(ctx, tx, rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("schwartz/postgres: commit: %w", mapError(err))
	}
	return ids, nil
}

func (s *Store) insertJobsOn(ctx context.Context, tx pgx.Tx, rows []*driver.JobRow) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		// A savepoint per row lets a uniqkey collision be absorbed
		// without poisoning the enclosing transaction.
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("schwartz/postgres: savepoint: %w", mapError(err))
		}
		id, insErr := s.insertJobOn(ctx, sp, row)
		if insErr != nil {
			_ = sp.Rollback(ctx)
			if errors.Is(insErr, driver.ErrConstraintViolated) && row.UniqKey != nil {
				existing, lookupErr := s.jobByUniqKeyOn(ctx, tx, row.FuncID, *row.UniqKey)
				if lookupErr != nil {
					return nil, lookupErr
				}
				ids = append(ids, existing.JobID)
				continue
			}
			return nil, insErr
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, fmt.Errorf("schwartz/postgres: release savepoint: %w", mapError(err))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// JobByID fetches one row.
func (s *Store) JobByID(ctx context.Context, jobid int64) (*driver.JobRow, error) {
	sqlStr, args, err := psql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"jobid": jobid}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: build select: %w", err)
	}
	row, err := scanJob(s.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, driver.ErrNotFound
		}
		return nil, fmt.Errorf("schwartz/postgres: get job: %w", err)
	}
	return row, nil
}

// JobByUniqKey fetches the row holding (funcid, uniqkey), if any.
func (s *Store) JobByUniqKey(ctx context.Context, funcid int32, uniqkey string) (*driver.JobRow, error) {
	return s.jobByUniqKeyOn(ctx, s.pool, funcid, uniqkey)
}

func (s *Store) jobByUniqKeyOn(ctx context.Context, db pgxExecutor, funcid int32, uniqkey string) (*driver.JobRow, error) {
	sqlStr, args, err := psql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"funcid": funcid, "uniqkey": uniqkey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: build select: %w", err)
	}
	row, err := scanJob(db.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, driver.ErrNotFound
		}
		return nil, fmt.Errorf("schwartz/postgres: get job by uniqkey: %w", err)
	}
	return row, nil
}

// GrabCandidates returns rows eligible for grabbing, in grab order.
func (s *Store) GrabCandidates(ctx context.Context, q driver.CandidateQuery) ([]*driver.JobRow, error) {
	sqlStr, args, err := psql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"funcid": q.FuncIDs}).
		Where(sq.LtOrEq{"run_after": q.Now}).
		Where(sq.LtOrEq{"grabbed_until": q.Now}).
		OrderBy("priority DESC", "jobid ASC").
		Limit(uint64(q.Limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: build candidates: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: grab candidates: %w", mapError(err))
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobs returns up to limit rows for funcid, jobid ascending.
func (s *Store) ListJobs(ctx context.Context, funcid int32, limit int) ([]*driver.JobRow, error) {
	b := psql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"funcid": funcid}).
		OrderBy("jobid ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: build list: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: list jobs: %w", mapError(err))
	}
	defer rows.Close()
	return collectJobs(rows)
}

// UpdateJobIfUnchanged applies set iff the snapshot columns still match.
// This single conditional UPDATE is the lease protocol's atomicity
// primitive; the database guarantees at most one concurrent caller
// observes rows-affected = 1 for the same snapshot.
func (s *Store) UpdateJobIfUnchanged(ctx context.Context, jobid int64, set driver.JobSet, snap driver.JobSnapshot) (int64, error) {
	return s.updateJobIfUnchangedOn(ctx, s.pool, jobid, set, snap)
}

func (s *Store) updateJobIfUnchangedOn(ctx context.Context, db pgxExecutor, jobid int64, set driver.JobSet, snap driver.JobSnapshot) (int64, error) {
	b := psql.Update(s.table("job")).Where(sq.Eq{"jobid": jobid})
	if set.GrabbedUntil != nil {
		b = b.Set("grabbed_until", *set.GrabbedUntil)
	}
	if set.RunAfter != nil {
		b = b.Set("run_after", *set.RunAfter)
	}
	if snap.GrabbedUntil != nil {
		b = b.Where(sq.Eq{"grabbed_until": *snap.GrabbedUntil})
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: build conditional update: %w", err)
	}
	tag, err := db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: conditional update: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

// RemoveJob deletes a job row.
func (s *Store) RemoveJob(ctx context.Context, jobid int64) error {
	return s.removeJobOn(ctx, s.pool, jobid)
}

func (s *Store) removeJobOn(ctx context.Context, db pgxExecutor, jobid int64) error {
	sqlStr, args, err := psql.Delete(s.table("job")).Where(sq.Eq{"jobid": jobid}).ToSql()
	if err != nil {
		return fmt.Errorf("schwartz/postgres: build delete: %w", err)
	}
	tag, err := db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("schwartz/postgres: remove job: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return driver.ErrNotFound
	}
	return nil
}

// ReplaceJob atomically inserts the replacements, records the optional
// exit status, and removes the original.
func (s *Store) ReplaceJob(ctx context.Context, jobid int64, exit *driver.ExitStatusRow, replacements []*driver.JobRow) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: begin: %w", mapError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	ids, err := s.insertJobsOn(ctx, tx, replacements)
	if err != nil {
		return nil, err
	}
	if s.faults != nil {
		if err := s.faults(driver.FaultReplaceAfterInsert); err != nil {
			return nil, err
		}
	}
	if exit != nil {
		if err := s.insertExitStatusOn(ctx, tx, exit); err != nil {
			return nil, err
		}
	}
	if err := s.removeJobOn(ctx, tx, jobid); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("schwartz/postgres: commit: %w", mapError(err))
	}
	return ids, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*driver.JobRow, error) {
	var j driver.JobRow
	err := row.Scan(
		&j.JobID, &j.FuncID, &j.Arg, &j.UniqKey,
		&j.InsertTime, &j.RunAfter, &j.GrabbedUntil, &j.Priority, &j.Coalesce,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*driver.JobRow, error) {
	var jobs []*driver.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("schwartz/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schwartz/postgres: iterate job rows: %w", mapError(err))
	}
	return jobs, nil
}
