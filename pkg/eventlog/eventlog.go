// Package eventlog is the durable append-only history of accepted presence
// changes. Appends are idempotent on the producer supplied client offset and
// the log can be read from any cursor for reconnection replay.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/astromechza/presence/pkg/presence"
)

var (
	// ErrDuplicate is returned by Append when the client offset was already stored.
	// The returned sequence is the one assigned to the original record.
	ErrDuplicate = errors.New("duplicate client offset")

	// ErrUnavailable wraps every storage failure.
	ErrUnavailable = errors.New("event log unavailable")

	// ErrStaleCursor is returned by ReadFrom when the cursor is beyond the head of the log.
	ErrStaleCursor = errors.New("cursor beyond head of log")
)

// Log is the storage contract shared by every backend.
type Log interface {
	Append(ctx context.Context, clientOffset string, content string) (int64, error)
	ReadFrom(ctx context.Context, cursor int64) ([]presence.Record, error)
	LastSequence(ctx context.Context) (int64, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Open connects to the backend named by driver.
func Open(ctx context.Context, driver, dsn string) (Log, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown event log driver %q", driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func checkCursor(cursor, head int64) error {
	if cursor < 0 {
		return fmt.Errorf("negative cursor %d", cursor)
	}
	if cursor > head {
		return fmt.Errorf("cursor %d, head %d: %w", cursor, head, ErrStaleCursor)
	}
	return nil
}
