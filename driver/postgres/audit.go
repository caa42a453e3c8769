package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/yshh/schwartz/driver"
)

// FuncID interns funcname, creating the mapping if absent. The insert is
// ON CONFLICT DO NOTHING so concurrent interning from multiple processes
// converges on one id.
func (s *Store) FuncID(ctx context.Context, funcname string) (int32, error) {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %sfuncmap (funcname) VALUES ($1) ON CONFLICT (funcname) DO NOTHING`, s.prefix),
		funcname,
	)
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: intern funcname: %w", mapError(err))
	}
	var funcid int32
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT funcid FROM %sfuncmap WHERE funcname = $1`, s.prefix),
		funcname,
	).Scan(&funcid)
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: resolve funcname: %w", mapError(err))
	}
	return funcid, nil
}

// FuncName resolves a funcid back to its name.
func (s *Store) FuncName(ctx context.Context, funcid int32) (string, error) {
	var funcname string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT funcname FROM %sfuncmap WHERE funcid = $1`, s.prefix),
		funcid,
	).Scan(&funcname)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, driver.ErrNotFound) {
			return "", driver.ErrNotFound
		}
		return "", fmt.Errorf("schwartz/postgres: resolve funcid: %w", mapped)
	}
	return funcname, nil
}

// InsertError appends a failure record.
func (s *Store) InsertError(ctx context.Context, row *driver.ErrorRow) error {
	sqlStr, args, err := psql.Insert(s.table("error")).
		Columns("error_time", "jobid", "funcid", "message").
		Values(row.ErrorTime, row.JobID, row.FuncID, row.Message).
		ToSql()
	if err != nil {
		return fmt.Errorf("schwartz/postgres: build insert error: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("schwartz/postgres: insert error: %w", mapError(err))
	}
	return nil
}

// CountErrors returns the number of failure records for jobid.
func (s *Store) CountErrors(ctx context.Context, jobid int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %serror WHERE jobid = $1`, s.prefix),
		jobid,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: count errors: %w", mapError(err))
	}
	return n, nil
}

// ErrorsForJob returns up to limit failure records for jobid, oldest
// first.
func (s *Store) ErrorsForJob(ctx context.Context, jobid int64, limit int) ([]*driver.ErrorRow, error) {
	b := psql.Select("error_time", "jobid", "funcid", "message").
		From(s.table("error")).
		Where(sq.Eq{"jobid": jobid}).
		OrderBy("error_time ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: build list errors: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("schwartz/postgres: list errors: %w", mapError(err))
	}
	defer rows.Close()

	var out []*driver.ErrorRow
	for rows.Next() {
		var e driver.ErrorRow
		if err := rows.Scan(&e.ErrorTime, &e.JobID, &e.FuncID, &e.Message); err != nil {
			return nil, fmt.Errorf("schwartz/postgres: scan error row: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schwartz/postgres: iterate error rows: %w", mapError(err))
	}
	return out, nil
}

// InsertExitStatus records a final disposition. An upsert, so a retried
// terminal path cannot fail on the primary key.
func (s *Store) InsertExitStatus(ctx context.Context, row *driver.ExitStatusRow) error {
	return s.insertExitStatusOn(ctx, s.pool, row)
}

func (s *Store) insertExitStatusOn(ctx context.Context, db pgxExecutor, row *driver.ExitStatusRow) error {
	_, err := db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %sexitstatus (jobid, funcid, status, completion_time, delete_after)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jobid) DO UPDATE SET
			status = EXCLUDED.status,
			completion_time = EXCLUDED.completion_time,
			delete_after = EXCLUDED.delete_after`, s.prefix),
		row.JobID, row.FuncID, row.Status, row.CompletionTime, row.DeleteAfter,
	)
	if err != nil {
		return fmt.Errorf("schwartz/postgres: insert exit status: %w", mapError(err))
	}
	return nil
}

// ExitStatus fetches the disposition for jobid.
func (s *Store) ExitStatus(ctx context.Context, jobid int64) (*driver.ExitStatusRow, error) {
	var row driver.ExitStatusRow
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT jobid, funcid, status, completion_time, delete_after
		FROM %sexitstatus WHERE jobid = $1`, s.prefix),
		jobid,
	).Scan(&row.JobID, &row.FuncID, &row.Status, &row.CompletionTime, &row.DeleteAfter)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, driver.ErrNotFound) {
			return nil, driver.ErrNotFound
		}
		return nil, fmt.Errorf("schwartz/postgres: get exit status: %w", mapped)
	}
	return &row, nil
}

// SweepExitStatuses deletes rows whose delete_after has passed.
func (s *Store) SweepExitStatuses(ctx context.Context, now int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %sexitstatus WHERE delete_after < $1`, s.prefix),
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("schwartz/postgres: sweep exit statuses: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}
