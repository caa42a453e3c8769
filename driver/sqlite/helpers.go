package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/yshh/schwartz/driver"
)

// mapError classifies a database/sql error into the driver's stable
// error kinds, keeping the original error in the chain. The shim may
// back onto either mattn/go-sqlite3 or modernc.org/sqlite, so constraint
// and lock errors are matched on their shared message text.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return driver.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", driver.ErrTimeout, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", driver.ErrConnectionLost, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", driver.ErrConstraintViolated, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %w", driver.ErrSerializationConflict, err)
	}
	return err
}
