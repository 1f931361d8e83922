package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bashhack/testkit"
)

// pgxPool adapts pgxpool.Pool to testkit.Pool. pgxpool already discards
// broken connections on release, so the adapter only adds the acquire
// deadline.
type pgxPool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

func (p *pgxPool) Acquire(ctx context.Context) (testkit.Connection, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, testkit.NewError(testkit.KindConnection, "pool.Acquire", testkit.ErrAcquireTimeout)
		}
		return nil, testkit.NewError(testkit.KindConnection, "pool.Acquire", err)
	}
	return &pgxConn{conn: conn}, nil
}

func (p *pgxPool) Close() {
	p.pool.Close()
}

// pgxConn is one acquired pgxpool connection.
type pgxConn struct {
	conn    *pgxpool.Conn
	release sync.Once
}

func (c *pgxConn) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, testkit.NewError(testkit.KindQueryExecution, "conn.Execute", err)
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Fetch(ctx context.Context, sql string, args ...any) ([]testkit.Row, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}
	return collectRows(rows)
}

func (c *pgxConn) QueryOne(ctx context.Context, sql string, args ...any) (testkit.Row, error) {
	rows, err := c.Fetch(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return exactlyOne(rows)
}

func (c *pgxConn) Begin(ctx context.Context) (testkit.Transaction, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, testkit.NewError(testkit.KindTransaction, "conn.Begin", err)
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxConn) Release() {
	c.release.Do(c.conn.Release)
}

// pgxTx is one in-progress pgx transaction.
type pgxTx struct {
	tx   pgx.Tx
	done bool
}

func (t *pgxTx) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, testkit.NewError(testkit.KindQueryExecution, "tx.Execute", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Fetch(ctx context.Context, sql string, args ...any) ([]testkit.Row, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "tx.Fetch", err)
	}
	return collectRows(rows)
}

func (t *pgxTx) Commit(ctx context.Context) error {
	if t.done {
		return testkit.NewError(testkit.KindTransaction, "tx.Commit", testkit.ErrTxDone)
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return testkit.NewError(testkit.KindTransaction, "tx.Commit", err)
	}
	return nil
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	if t.done {
		return testkit.NewError(testkit.KindTransaction, "tx.Rollback", testkit.ErrTxDone)
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil {
		return testkit.NewError(testkit.KindTransaction, "tx.Rollback", err)
	}
	return nil
}

// collectRows materializes a pgx result set.
func collectRows(rows pgx.Rows) ([]testkit.Row, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []testkit.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
		}
		out = append(out, testkit.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}
	return out, nil
}

func exactlyOne(rows []testkit.Row) (testkit.Row, error) {
	switch len(rows) {
	case 0:
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.QueryOne", testkit.ErrNoRows)
	case 1:
		return rows[0], nil
	default:
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.QueryOne", testkit.ErrTooManyRows)
	}
}
