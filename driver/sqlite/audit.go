package sqlite

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/yshh/schwartz/driver"
)

// FuncID interns funcname, creating the mapping if absent.
func (s *Store) FuncID(ctx context.Context, funcname string) (int32, error) {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %sfuncmap (funcname) VALUES (?)`, s.prefix),
		funcname,
	)
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: intern funcname: %w", mapError(err))
	}
	var funcid int32
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT funcid FROM %sfuncmap WHERE funcname = ?`, s.prefix),
		funcname,
	).Scan(&funcid)
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: resolve funcname: %w", mapError(err))
	}
	return funcid, nil
}

// FuncName resolves a funcid back to its name.
func (s *Store) FuncName(ctx context.Context, funcid int32) (string, error) {
	var funcname string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT funcname FROM %sfuncmap WHERE funcid = ?`, s.prefix),
		funcid,
	).Scan(&funcname)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, driver.ErrNotFound) {
			return "", driver.ErrNotFound
		}
		return "", fmt.Errorf("schwartz/sqlite: resolve funcid: %w", mapped)
	}
	return funcname, nil
}

// InsertError appends a failure record.
func (s *Store) InsertError(ctx context.Context, row *driver.ErrorRow) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %serror (error_time, jobid, funcid, message) VALUES (?, ?, ?, ?)`, s.prefix),
		row.ErrorTime, row.JobID, row.FuncID, row.Message,
	)
	if err != nil {
		return fmt.Errorf("schwartz/sqlite: insert error: %w", mapError(err))
	}
	return nil
}

// CountErrors returns the number of failure records for jobid.
func (s *Store) CountErrors(ctx context.Context, jobid int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %serror WHERE jobid = ?`, s.prefix),
		jobid,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: count errors: %w", mapError(err))
	}
	return n, nil
}

// ErrorsForJob returns up to limit failure records for jobid, oldest
// first.
func (s *Store) ErrorsForJob(ctx context.Context, jobid int64, limit int) ([]*driver.ErrorRow, error) {
	b := qsql.Select("error_time", "jobid", "funcid", "message").
		From(s.table("error")).
		Where(sq.Eq{"jobid": jobid}).
		OrderBy("error_time ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: build list errors: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: list errors: %w", mapError(err))
	}
	defer rows.Close()

	var out []*driver.ErrorRow
	for rows.Next() {
		var e driver.ErrorRow
		if err := rows.Scan(&e.ErrorTime, &e.JobID, &e.FuncID, &e.Message); err != nil {
			return nil, fmt.Errorf("schwartz/sqlite: scan error row: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: iterate error rows: %w", mapError(err))
	}
	return out, nil
}

// InsertExitStatus records a final disposition.
func (s *Store) InsertExitStatus(ctx context.Context, row *driver.ExitStatusRow) error {
	return s.insertExitStatusOn(ctx, s.db, row)
}

func (s *Store) insertExitStatusOn(ctx context.Context, db sqlExecutor, row *driver.ExitStatusRow) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %sexitstatus (jobid, funcid, status, completion_time, delete_after)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (jobid) DO UPDATE SET
			status = excluded.status,
			completion_time = excluded.completion_time,
			delete_after = excluded.delete_after`, s.prefix),
		row.JobID, row.FuncID, row.Status, row.CompletionTime, row.DeleteAfter,
	)
	if err != nil {
		return fmt.Errorf("schwartz/sqlite: insert exit status: %w", mapError(err))
	}
	return nil
}

// ExitStatus fetches the disposition for jobid.
func (s *Store) ExitStatus(ctx context.Context, jobid int64) (*driver.ExitStatusRow, error) {
	var row driver.ExitStatusRow
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT jobid, funcid, status, completion_time, delete_after
		FROM %sexitstatus WHERE jobid = ?`, s.prefix),
		jobid,
	).Scan(&row.JobID, &row.FuncID, &row.Status, &row.CompletionTime, &row.DeleteAfter)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, driver.ErrNotFound) {
			return nil, driver.ErrNotFound
		}
		return nil, fmt.Errorf("schwartz/sqlite: get exit status: %w", mapped)
	}
	return &row, nil
}

// SweepExitStatuses deletes rows whose delete_after has passed.
func (s *Store) SweepExitStatuses(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %sexitstatus WHERE delete_after < ?`, s.prefix),
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: sweep exit statuses: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("schwartz/sqlite: rows affected: %w", err)
	}
	return n, nil
}
