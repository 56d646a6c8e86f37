package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/presence/pkg/presence"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_offset TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL
)`

// SQLite is the default per-host backend.
type SQLite struct {
	database *sql.DB
}

// OpenSQLite opens or creates the database file at path and ensures the table exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return &SQLite{database: db}, nil
}

func (s *SQLite) Append(ctx context.Context, clientOffset string, content string) (int64, error) {
	res, err := s.database.ExecContext(
		ctx, `INSERT INTO events (client_offset, content) VALUES (?, ?) ON CONFLICT(client_offset) DO NOTHING`,
		clientOffset, content,
	)
	if err != nil {
		return 0, unavailable("append", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, unavailable("append", err)
	} else if n == 1 {
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, unavailable("append", err)
		}
		return seq, nil
	}

	var seq int64
	if err := s.database.QueryRowContext(
		ctx, `SELECT id FROM events WHERE client_offset = ?`, clientOffset,
	).Scan(&seq); err != nil {
		return 0, unavailable("append", err)
	}
	return seq, ErrDuplicate
}

func (s *SQLite) ReadFrom(ctx context.Context, cursor int64) ([]presence.Record, error) {
	head, err := s.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCursor(cursor, head); err != nil {
		return nil, err
	}

	rows, err := s.database.QueryContext(
		ctx, `SELECT id, client_offset, content FROM events WHERE id > ? ORDER BY id`, cursor,
	)
	if err != nil {
		return nil, unavailable("read", err)
	}
	defer rows.Close()

	var out []presence.Record
	for rows.Next() {
		var r presence.Record
		if err := rows.Scan(&r.Sequence, &r.ClientOffset, &r.Content); err != nil {
			return nil, unavailable("read", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read", err)
	}
	return out, nil
}

func (s *SQLite) LastSequence(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := s.database.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, unavailable("head", err)
	}
	return head.Int64, nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}
