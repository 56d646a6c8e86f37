package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/presence/pkg/presence"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS presence_events (
	id BIGSERIAL PRIMARY KEY,
	client_offset TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL
)`

// Postgres lets workers on different hosts share one log. Sequence values come
// from a BIGSERIAL so concurrent producers may commit slightly out of id order;
// replay readers can observe a gap that fills on the next read.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Append(ctx context.Context, clientOffset string, content string) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(
		ctx, `INSERT INTO presence_events (client_offset, content) VALUES ($1, $2)
ON CONFLICT (client_offset) DO NOTHING RETURNING id`,
		clientOffset, content,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, unavailable("append", err)
	}

	if err := p.pool.QueryRow(
		ctx, `SELECT id FROM presence_events WHERE client_offset = $1`, clientOffset,
	).Scan(&seq); err != nil {
		return 0, unavailable("append", err)
	}
	return seq, ErrDuplicate
}

func (p *Postgres) ReadFrom(ctx context.Context, cursor int64) ([]presence.Record, error) {
	head, err := p.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCursor(cursor, head); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(
		ctx, `SELECT id, client_offset, content FROM presence_events WHERE id > $1 ORDER BY id`, cursor,
	)
	if err != nil {
		return nil, unavailable("read", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (presence.Record, error) {
		var r presence.Record
		err := row.Scan(&r.Sequence, &r.ClientOffset, &r.Content)
		return r, err
	})
	if err != nil {
		return nil, unavailable("read", err)
	}
	return out, nil
}

func (p *Postgres) LastSequence(ctx context.Context) (int64, error) {
	var head int64
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM presence_events`).Scan(&head); err != nil {
		return 0, unavailable("head", err)
	}
	return head, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
