package mysql

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bashhack/testkit"
)

// SqlxBackend implements testkit.Backend on sqlx over go-sql-driver. The
// administrative machinery is shared with the native Backend — both ride
// the same driver — so the variants differ only in the pools they build.
type SqlxBackend struct {
	native *Backend
}

var _ testkit.Backend = (*SqlxBackend)(nil)

// NewSqlxBackend opens the admin handle and verifies reachability.
func NewSqlxBackend(ctx context.Context, config testkit.DatabaseConfig) (*SqlxBackend, error) {
	native, err := NewBackend(ctx, config)
	if err != nil {
		return nil, err
	}
	return &SqlxBackend{native: native}, nil
}

// CreateDatabase creates an empty utf8mb4 database.
func (b *SqlxBackend) CreateDatabase(ctx context.Context, name testkit.DatabaseName) error {
	return b.native.CreateDatabase(ctx, name)
}

// CreateDatabaseFromTemplate copies the template's tables into a fresh
// database.
func (b *SqlxBackend) CreateDatabaseFromTemplate(ctx context.Context, name, template testkit.DatabaseName) error {
	return b.native.CreateDatabaseFromTemplate(ctx, name, template)
}

// DropDatabase kills sessions and drops the database, idempotently.
func (b *SqlxBackend) DropDatabase(ctx context.Context, name testkit.DatabaseName) error {
	return b.native.DropDatabase(ctx, name)
}

// TerminateConnections kills every session attached to the database.
func (b *SqlxBackend) TerminateConnections(ctx context.Context, name testkit.DatabaseName) error {
	return b.native.TerminateConnections(ctx, name)
}

// ConnectionString builds the driver DSN for the given database.
func (b *SqlxBackend) ConnectionString(name testkit.DatabaseName) string {
	return b.native.ConnectionString(name)
}

// NewPool builds an sqlx pool bound to the given database.
func (b *SqlxBackend) NewPool(ctx context.Context, name testkit.DatabaseName, cfg testkit.PoolConfig) (testkit.Pool, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", b.ConnectionString(name))
	if err != nil {
		return nil, testkit.NewError(testkit.KindPool, "backend.NewPool", err)
	}
	if cfg.MaxSize > 0 {
		db.SetMaxOpenConns(cfg.MaxSize)
		db.SetMaxIdleConns(cfg.MaxSize)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	return &sqlxPool{db: db, acquireTimeout: cfg.ConnectionTimeout}, nil
}

// Close releases the admin handle.
func (b *SqlxBackend) Close(ctx context.Context) error {
	return b.native.Close(ctx)
}

// sqlxPool adapts *sqlx.DB to testkit.Pool.
type sqlxPool struct {
	db             *sqlx.DB
	acquireTimeout time.Duration
}

func (p *sqlxPool) Acquire(ctx context.Context) (testkit.Connection, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.db.Connx(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, testkit.NewError(testkit.KindConnection, "pool.Acquire", testkit.ErrAcquireTimeout)
		}
		return nil, testkit.NewError(testkit.KindConnection, "pool.Acquire", err)
	}
	return &sqlxConn{conn: conn}, nil
}

func (p *sqlxPool) Close() {
	_ = p.db.Close()
}

// sqlxConn is one acquired sqlx connection.
type sqlxConn struct {
	conn    *sqlx.Conn
	release sync.Once
}

func (c *sqlxConn) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, testkit.NewError(testkit.KindQueryExecution, "conn.Execute", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (c *sqlxConn) Fetch(ctx context.Context, query string, args ...any) ([]testkit.Row, error) {
	rows, err := c.conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}
	return collectSqlxRows(rows)
}

func (c *sqlxConn) QueryOne(ctx context.Context, query string, args ...any) (testkit.Row, error) {
	rows, err := c.Fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return exactlyOne(rows)
}

func (c *sqlxConn) Begin(ctx context.Context) (testkit.Transaction, error) {
	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, testkit.NewError(testkit.KindTransaction, "conn.Begin", err)
	}
	return &sqlxTx{tx: tx}, nil
}

func (c *sqlxConn) Release() {
	c.release.Do(func() {
		_ = c.conn.Close()
	})
}

// sqlxTx is one in-progress sqlx transaction.
type sqlxTx struct {
	tx   *sqlx.Tx
	done bool
}

func (t *sqlxTx) Execute(ctx context.Context, query string, args ...any) (int64, error) {
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

func (t *sqlxTx) Fetch(ctx context.Context, query string, args ...any) ([]testkit.Row, error) {
	rows, err := t.tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "tx.Fetch", err)
	}
	return collectSqlxRows(rows)
}

func (t *sqlxTx) Commit(ctx context.Context) error {
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

func (t *sqlxTx) Rollback(ctx context.Context) error {
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

// collectSqlxRows materializes a sqlx result set, copying byte slices out
// of driver-owned buffers.
func collectSqlxRows(rows *sqlx.Rows) ([]testkit.Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}

	var out []testkit.Row
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
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
