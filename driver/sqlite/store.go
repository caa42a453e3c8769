// Package sqlite provides a SQLite shard driver built on the Bun SQL
// client over sqliteshim. Useful for single-host deployments and
// integration tests; the lease protocol's conditional UPDATE is atomic
// under SQLite's writer lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/yshh/schwartz/driver"
)

// Ensure Store implements driver.Driver at compile time.
var _ driver.Driver = (*Store)(nil)

func init() {
	driver.Register("sqlite", func(_ context.Context, dsn string, opts driver.Options) (driver.Driver, error) {
		return New(dsn, opts)
	})
}

// qsql builds queries with "?" placeholders.
var qsql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Store is a SQLite implementation of driver.Driver.
type Store struct {
	db     *bun.DB
	prefix string
	logger *slog.Logger
	faults driver.FaultHook
}

// New creates a Store from a SQLite DSN, e.g. "file:queue.db?cache=shared"
// or ":memory:".
func New(dsn string, opts driver.Options) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("schwartz/sqlite: open: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// storms from the pool.
	sqldb.SetMaxOpenConns(1)
	return NewFromDB(bun.NewDB(sqldb, sqlitedialect.New()), opts), nil
}

// NewFromDB creates a Store from an existing Bun handle. The Store takes
// ownership and closes it on Close.
func NewFromDB(db *bun.DB, opts driver.Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		prefix: opts.Prefix,
		logger: logger,
		faults: opts.Faults,
	}
}

// table returns the prefixed physical name for a logical table.
func (s *Store) table(name string) string {
	return s.prefix + name
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migration is one schema step, applied once and recorded in the
// migrations ledger.
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
						funcid   INTEGER PRIMARY KEY AUTOINCREMENT,
						funcname TEXT NOT NULL UNIQUE
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
						jobid         INTEGER PRIMARY KEY AUTOINCREMENT,
						funcid        INTEGER NOT NULL,
						arg           BLOB,
						uniqkey       TEXT,
						insert_time   INTEGER NOT NULL,
						run_after     INTEGER NOT NULL,
						grabbed_until INTEGER NOT NULL DEFAULT 0,
						priority      INTEGER NOT NULL DEFAULT 0,
						"coalesce"    TEXT
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
						error_time INTEGER NOT NULL,
						jobid      INTEGER NOT NULL,
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
						jobid           INTEGER PRIMARY KEY,
						funcid          INTEGER NOT NULL,
						status          INTEGER NOT NULL,
						completion_time INTEGER NOT NULL,
						delete_after    INTEGER NOT NULL
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
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %smigrations (
			name       TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`, s.prefix))
	if err != nil {
		return fmt.Errorf("schwartz/sqlite: create migrations table: %w", mapError(err))
	}

	for _, m := range migrations {
		var applied int
		err = s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %smigrations WHERE name = ?`, s.prefix),
			m.name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("schwartz/sqlite: check migration %s: %w", m.name, mapError(err))
		}
		if applied > 0 {
			continue
		}

		for _, stmt := range m.up(s.prefix) {
			if _, execErr := s.db.ExecContext(ctx, stmt); execErr != nil {
				return fmt.Errorf("schwartz/sqlite: execute migration %s: %w", m.name, mapError(execErr))
			}
		}
		if _, recErr := s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %smigrations (name) VALUES (?)`, s.prefix),
			m.name,
		); recErr != nil {
			return fmt.Errorf("schwartz/sqlite: record migration %s: %w", m.name, mapError(recErr))
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}
