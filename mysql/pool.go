package mysql

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/bashhack/testkit"
)

// sqlPool adapts *sql.DB to testkit.Pool. database/sql queues excess
// acquirers internally; the adapter adds the acquire deadline on top.
type sqlPool struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

func (p *sqlPool) Acquire(ctx context.Context) (testkit.Connection, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, testkit.NewError(testkit.KindConnection, "pool.Acquire", testkit.ErrAcquireTimeout)
		}
		return nil, testkit.NewError(testkit.KindConnection, "pool.Acquire", err)
	}
	return &sqlConn{conn: conn}, nil
}

func (p *sqlPool) Close() {
	_ = p.db.Close()
}

// sqlConn is one acquired database/sql connection.
type sqlConn struct {
	conn    *sql.Conn
	release sync.Once
}

func (c *sqlConn) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, testkit.NewError(testkit.KindQueryExecution, "conn.Execute", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// DDL statements do not report a count; that is not a failure.
		return 0, nil
	}
	return affected, nil
}

func (c *sqlConn) Fetch(ctx context.Context, query string, args ...any) ([]testkit.Row, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}
	return collectRows(rows)
}

func (c *sqlConn) QueryOne(ctx context.Context, query string, args ...any) (testkit.Row, error) {
	rows, err := c.Fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return exactlyOne(rows)
}

func (c *sqlConn) Begin(ctx context.Context) (testkit.Transaction, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, testkit.NewError(testkit.KindTransaction, "conn.Begin", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (c *sqlConn) Release() {
	c.release.Do(func() {
		_ = c.conn.Close()
	})
}

// sqlTx is one in-progress database/sql transaction.
type sqlTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqlTx) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, testkit.NewError(testkit.KindQueryExecution, "tx.Execute", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (t *sqlTx) Fetch(ctx context.Context, query string, args ...any) ([]testkit.Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "tx.Fetch", err)
	}
	return collectRows(rows)
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.done {
		return testkit.NewError(testkit.KindTransaction, "tx.Commit", testkit.ErrTxDone)
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return testkit.NewError(testkit.KindTransaction, "tx.Commit", testkit.ErrTxDone)
		}
		return testkit.NewError(testkit.KindTransaction, "tx.Commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	if t.done {
		return testkit.NewError(testkit.KindTransaction, "tx.Rollback", testkit.ErrTxDone)
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return testkit.NewError(testkit.KindTransaction, "tx.Rollback", testkit.ErrTxDone)
		}
		return testkit.NewError(testkit.KindTransaction, "tx.Rollback", err)
	}
	return nil
}

// collectRows materializes a database/sql result set. Byte slices are
// copied out because the driver may reuse its buffers between rows.
func collectRows(rows *sql.Rows) ([]testkit.Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}

	var out []testkit.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = append([]byte(nil), b...)
			}
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
