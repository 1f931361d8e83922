package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/bashhack/testkit"
)

// SqlxBackend implements testkit.Backend on sqlx over pgx's database/sql
// driver. The contract is identical to Backend; only the connection
// machinery differs. Use it when the code under test works with *sqlx.DB
// or plain database/sql handles.
type SqlxBackend struct {
	config testkit.DatabaseConfig
	admin  *sqlx.DB
}

var _ testkit.Backend = (*SqlxBackend)(nil)

// NewSqlxBackend opens the admin connection through sqlx and verifies
// reachability.
func NewSqlxBackend(ctx context.Context, config testkit.DatabaseConfig) (*SqlxBackend, error) {
	admin, err := sqlx.ConnectContext(ctx, "pgx", config.AdminURL)
	if err != nil {
		return nil, testkit.NewError(testkit.KindConnection, "postgres.NewSqlxBackend", err)
	}
	admin.SetMaxOpenConns(3)
	return &SqlxBackend{config: config, admin: admin}, nil
}

// CreateDatabase creates an empty database.
func (b *SqlxBackend) CreateDatabase(ctx context.Context, name testkit.DatabaseName) error {
	quoted := pgx.Identifier{name.String()}.Sanitize()
	if _, err := b.admin.ExecContext(ctx, "CREATE DATABASE "+quoted); err != nil {
		return testkit.NewError(testkit.KindDatabaseCreation, "backend.CreateDatabase", err)
	}
	return nil
}

// CreateDatabaseFromTemplate clones template into name, terminating
// template sessions first.
func (b *SqlxBackend) CreateDatabaseFromTemplate(ctx context.Context, name, template testkit.DatabaseName) error {
	if err := b.TerminateConnections(ctx, template); err != nil {
		return err
	}

	quoted := pgx.Identifier{name.String()}.Sanitize()
	quotedTemplate := pgx.Identifier{template.String()}.Sanitize()
	err := retryWhileInUse(ctx, func() error {
		_, err := b.admin.ExecContext(ctx,
			fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", quoted, quotedTemplate))
		return err
	})
	if err != nil {
		return testkit.NewError(testkit.KindDatabaseCreation, "backend.CreateDatabaseFromTemplate", err)
	}
	return nil
}

// DropDatabase terminates sessions and drops the database; a missing
// database is a success.
func (b *SqlxBackend) DropDatabase(ctx context.Context, name testkit.DatabaseName) error {
	if err := b.TerminateConnections(ctx, name); err != nil {
		return err
	}

	quoted := pgx.Identifier{name.String()}.Sanitize()
	err := retryWhileInUse(ctx, func() error {
		_, err := b.admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoted)
		return err
	})
	if err != nil {
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.DropDatabase", err)
	}
	return nil
}

// TerminateConnections blocks new sessions and kills existing ones.
func (b *SqlxBackend) TerminateConnections(ctx context.Context, name testkit.DatabaseName) error {
	quoted := pgx.Identifier{name.String()}.Sanitize()

	_, err := b.admin.ExecContext(ctx,
		fmt.Sprintf("ALTER DATABASE %s ALLOW_CONNECTIONS FALSE", quoted))
	if err != nil {
		if isSQLState(err, invalidCatalogName) {
			return nil
		}
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections",
			fmt.Errorf("disallow connections: %w", err))
	}

	_, err = b.admin.ExecContext(ctx, `
        SELECT pg_terminate_backend(pg_stat_activity.pid)
        FROM pg_stat_activity
        WHERE pg_stat_activity.datname = $1
        AND pid <> pg_backend_pid();
    `, name.String())
	if err != nil {
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections",
			fmt.Errorf("terminate connections: %w", err))
	}
	return nil
}

// ConnectionString builds the user URL pointing at the given database.
func (b *SqlxBackend) ConnectionString(name testkit.DatabaseName) string {
	dsn, err := testkit.ReplaceDatabase(b.config.UserURL, name)
	if err != nil {
		return b.config.UserURL
	}
	return dsn
}

// NewPool builds an sqlx pool bound to the given database.
func (b *SqlxBackend) NewPool(ctx context.Context, name testkit.DatabaseName, cfg testkit.PoolConfig) (testkit.Pool, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", b.ConnectionString(name))
	if err != nil {
		return nil, testkit.NewError(testkit.KindPool, "backend.NewPool", err)
	}
	applyPoolConfig(db, cfg)
	return &sqlxPool{db: db, acquireTimeout: cfg.ConnectionTimeout}, nil
}

// Close releases the admin connection.
func (b *SqlxBackend) Close(ctx context.Context) error {
	if err := b.admin.Close(); err != nil {
		return testkit.NewError(testkit.KindConnection, "backend.Close", err)
	}
	return nil
}

// retryWhileInUse is the sqlx twin of Backend.retryWhileInUse.
func retryWhileInUse(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isSQLState(err, objectInUse) {
			return err
		}
		lastErr = err
		if attempt < 2 {
			select {
			case <-time.After(time.Duration(10*(1<<(attempt*2))) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after retries: %w", lastErr)
}

func applyPoolConfig(db *sqlx.DB, cfg testkit.PoolConfig) {
	if cfg.MaxSize > 0 {
		db.SetMaxOpenConns(cfg.MaxSize)
		db.SetMaxIdleConns(cfg.MaxSize)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
}

// sqlxPool adapts *sqlx.DB to testkit.Pool. database/sql queues excess
// acquirers internally; the adapter adds the acquire deadline on top.
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
		// Not all statements report a count; that is not a failure.
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

// collectSqlxRows materializes a sqlx result set.
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
		out = append(out, testkit.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, testkit.NewError(testkit.KindQueryExecution, "conn.Fetch", err)
	}
	return out, nil
}
