package postgres

import (
	"context"
	"fmt"
)

// migration is one schema step, applied once and recorded in the
// migrations ledger. DDL is built per call so the table prefix can be
// interpolated.
type migration struct {
	name string
	up   func(prefix string) []string
}

var migrations = []migration{
	{
		name: "create_funcmap_table",
		up: func(p string) []string {
			return []string{
				fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS %sfuncmap (
						funcid   SERIAL PRIMARY KEY,
						funcname VARCHAR(255) NOT NULL,
						UNIQUE (funcname)
					)`, p),
			}
		},
	},
	{
		name: "create_job_table",
		up: func(p string) []string {
			return []string{
				fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS %sjob (
						jobid         BIGSERIAL PRIMARY KEY,
						funcid        INTEGER NOT NULL,
						arg           BYTEA,
						uniqkey       VARCHAR(255),
						insert_time   BIGINT NOT NULL,
						run_after     BIGINT NOT NULL,
						grabbed_until BIGINT NOT NULL DEFAULT 0,
						priority      INTEGER NOT NULL DEFAULT 0,
						"coalesce"    VARCHAR(255)
					)`, p),
				fmt.Sprintf(`
					CREATE UNIQUE INDEX IF NOT EXISTS idx_%sjob_uniqkey
						ON %sjob (funcid, uniqkey)
						WHERE uniqkey IS NOT NULL`, p, p),
				fmt.Sprintf(`
					CREATE INDEX IF NOT EXISTS idx_%sjob_grab
						ON %sjob (funcid, run_after)`, p, p),
			}
		},
	},
	{
		name: "create_error_table",
		up: func(p string) []string {
			return []string{
				fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS %serror (
						error_time BIGINT NOT NULL,
						jobid      BIGINT NOT NULL,
						funcid     INTEGER NOT NULL,
						message    TEXT NOT NULL
					)`, p),
				fmt.Sprintf(`
					CREATE INDEX IF NOT EXISTS idx_%serror_jobid
						ON %serror (jobid)`, p, p),
			}
		},
	},
	{
		name: "create_exitstatus_table",
		up: func(p string) []string {
			return []string{
				fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS %sexitstatus (
						jobid           BIGINT PRIMARY KEY,
						funcid          INTEGER NOT NULL,
						status          INTEGER NOT NULL,
						completion_time BIGINT NOT NULL,
						delete_after    BIGINT NOT NULL
					)`, p),
				fmt.Sprintf(`
					CREATE INDEX IF NOT EXISTS idx_%sexitstatus_delete_after
						ON %sexitstatus (delete_after)`, p, p),
			}
		},
	},
}

// Migrate applies all pending schema migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %smigrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.prefix))
	if err != nil {
		return fmt.Errorf("schwartz/postgres: create migrations table: %w", mapError(err))
	}

	for _, m := range migrations {
		var applied bool
		err = s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %smigrations WHERE name = $1)`, s.prefix),
			m.name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("schwartz/postgres: check migration %s: %w", m.name, mapError(err))
		}
		if applied {
			continue
		}

		for _, stmt := range m.up(s.prefix) {
			if _, execErr := s.pool.Exec(ctx, stmt); execErr != nil {
				return fmt.Errorf("schwartz/postgres: execute migration %s: %w", m.name, mapError(execErr))
			}
		}
		if _, recErr := s.pool.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %smigrations (name) VALUES ($1)`, s.prefix),
			m.name,
		); recErr != nil {
			return fmt.Errorf("schwartz/postgres: record migration %s: %w", m.name, mapError(recErr))
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}
