package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/yshh/schwartz/driver"
)

// jobColumns is the select list for job rows. "coalesce" must stay quoted
// — it is a reserved word.
var jobColumns = []string{
	"jobid", "funcid", "arg", "uniqkey",
	"insert_time", "run_after", "grabbed_until", "priority", `"coalesce"`,
}

// sqlExecutor abstracts over *bun.DB and bun.Tx so the job statements run
// both standalone and inside transactions.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertJob persists a new job row and returns its jobid.
func (s *Store) InsertJob(ctx context.Context, row *driver.JobRow) (int64, error) {
	return s.insertJobOn(ctx, s.db, row)
}

func (s *Store) insertJobOn(ctx context.Context, db sqlExecutor, row *driver.JobRow) (int64, error) {
	sqlStr, args, err := qsql.Insert(s.table("job")).
		Columns("funcid", "arg", "uniqkey", "insert_time", "run_after", "grabbed_until", "priority", `"coalesce"`).
		Values(row.FuncID, row.Arg, row.UniqKey, row.InsertTime, row.RunAfter, row.GrabbedUntil, row.Priority, row.Coalesce).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: build insert: %w", err)
	}
	res, err := db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: insert job: %w", mapError(err))
	}
	jobid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: last insert id: %w", err)
	}
	return jobid, nil
}

// InsertJobs persists several rows in one transaction. A uniqkey
// collision reuses the existing row's jobid rather than aborting the
// batch.
func (s *Store) InsertJobs(ctx context.Context, rows []*driver.JobRow) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: begin: %w", mapError(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	ids, err := s.insertJobsOn(ctx, tx, rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: commit: %w", mapError(err))
	}
	return ids, nil
}

func (s *Store) insertJobsOn(ctx context.Context, tx sqlExecutor, rows []*driver.JobRow) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		id, insErr := s.insertJobOn(ctx, tx, row)
		if insErr != nil {
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
		ids = append(ids, id)
	}
	return ids, nil
}

// JobByID fetches one row.
func (s *Store) JobByID(ctx context.Context, jobid int64) (*driver.JobRow, error) {
	sqlStr, args, err := qsql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"jobid": jobid}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: build select: %w", err)
	}
	row, err := scanJob(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, driver.ErrNotFound
		}
		return nil, fmt.Errorf("schwartz/sqlite: get job: %w", err)
	}
	return row, nil
}

// JobByUniqKey fetches the row holding (funcid, uniqkey), if any.
func (s *Store) JobByUniqKey(ctx context.Context, funcid int32, uniqkey string) (*driver.JobRow, error) {
	return s.jobByUniqKeyOn(ctx, s.db, funcid, uniqkey)
}

func (s *Store) jobByUniqKeyOn(ctx context.Context, db sqlExecutor, funcid int32, uniqkey string) (*driver.JobRow, error) {
	sqlStr, args, err := qsql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"funcid": funcid, "uniqkey": uniqkey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: build select: %w", err)
	}
	row, err := scanJob(db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, driver.ErrNotFound
		}
		return nil, fmt.Errorf("schwartz/sqlite: get job by uniqkey: %w", err)
	}
	return row, nil
}

// GrabCandidates returns rows eligible for grabbing, in grab order.
func (s *Store) GrabCandidates(ctx context.Context, q driver.CandidateQuery) ([]*driver.JobRow, error) {
	sqlStr, args, err := qsql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"funcid": q.FuncIDs}).
		Where(sq.LtOrEq{"run_after": q.Now}).
		Where(sq.LtOrEq{"grabbed_until": q.Now}).
		OrderBy("priority DESC", "jobid ASC").
		Limit(uint64(q.Limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: build candidates: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: grab candidates: %w", mapError(err))
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobs returns up to limit rows for funcid, jobid ascending.
func (s *Store) ListJobs(ctx context.Context, funcid int32, limit int) ([]*driver.JobRow, error) {
	b := qsql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"funcid": funcid}).
		OrderBy("jobid ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: build list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: list jobs: %w", mapError(err))
	}
	defer rows.Close()
	return collectJobs(rows)
}

// UpdateJobIfUnchanged applies set iff the snapshot columns still match.
// SQLite serializes writers, so at most one concurrent caller observes
// rows-affected = 1 for the same snapshot.
func (s *Store) UpdateJobIfUnchanged(ctx context.Context, jobid int64, set driver.JobSet, snap driver.JobSnapshot) (int64, error) {
	b := qsql.Update(s.table("job")).Where(sq.Eq{"jobid": jobid})
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
		return 0, fmt.Errorf("schwartz/sqlite: build conditional update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: conditional update: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: rows affected: %w", err)
	}
	return n, nil
}

// RemoveJob deletes a job row.
func (s *Store) RemoveJob(ctx context.Context, jobid int64) error {
	return s.removeJobOn(ctx, s.db, jobid)
}

func (s *Store) removeJobOn(ctx context.Context, db sqlExecutor, jobid int64) error {
	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %sjob WHERE jobid = ?`, s.prefix),
		jobid,
	)
	if err != nil {
		return fmt.Errorf("schwartz/sqlite: remove job: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schwartz/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return driver.ErrNotFound
	}
	return nil
}

// ReplaceJob atomically inserts the replacements, records the optional
// exit status, and removes the original.
func (s *Store) ReplaceJob(ctx context.Context, jobid int64, exit *driver.ExitStatusRow, replacements []*driver.JobRow) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: begin: %w", mapError(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

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
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: commit: %w", mapError(err))
	}
	return ids, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanJob scans a single job row.
func scanJob(row scanner) (*driver.JobRow, error) {
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
func collectJobs(rows *sql.Rows) ([]*driver.JobRow, error) {
	var jobs []*driver.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("schwartz/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: iterate job rows: %w", mapError(err))
	}
	return jobs, nil
}
