// Package postgres provides the PostgreSQL backends for testkit.
//
// Two implementations of testkit.Backend live here behind the same
// contract:
//
//   - Backend (NewBackend) rides directly on pgx and pgxpool. Use it for
//     PostgreSQL-specific features and the lowest overhead.
//   - SqlxBackend (NewSqlxBackend) rides on sqlx over pgx's database/sql
//     driver. Use it when the code under test speaks database/sql or
//     sqlx.
//
// Per-test databases are cloned with CREATE DATABASE ... TEMPLATE, which
// is close to free compared to replaying schema migrations for every
// test.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bashhack/testkit"
)

// SQLSTATE codes the backend reacts to.
const (
	// objectInUse is raised while terminated sessions are still winding
	// down; the operation is retried.
	objectInUse = "55006"

	// invalidCatalogName is raised for operations on a database that does
	// not exist; drop paths treat it as success.
	invalidCatalogName = "3D000"
)

// Backend is the native pgx implementation of testkit.Backend. The admin
// connection is a small pgxpool so the backend can be shared across
// goroutines.
type Backend struct {
	config testkit.DatabaseConfig
	admin  *pgxpool.Pool
}

var _ testkit.Backend = (*Backend)(nil)

// NewBackend parses the config's admin URL, opens the admin pool, and
// verifies reachability with a ping.
func NewBackend(ctx context.Context, config testkit.DatabaseConfig) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(config.AdminURL)
	if err != nil {
		return nil, testkit.NewError(testkit.KindConfig, "postgres.NewBackend",
			fmt.Errorf("parse admin URL: %w", err))
	}
	poolCfg.MaxConns = 3

	admin, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, testkit.NewError(testkit.KindConnection, "postgres.NewBackend", err)
	}
	if err := admin.Ping(ctx); err != nil {
		admin.Close()
		return nil, testkit.NewError(testkit.KindConnection, "postgres.NewBackend",
			fmt.Errorf("ping admin database: %w", err))
	}

	return &Backend{config: config, admin: admin}, nil
}

// CreateDatabase creates an empty database.
func (b *Backend) CreateDatabase(ctx context.Context, name testkit.DatabaseName) error {
	quoted := pgx.Identifier{name.String()}.Sanitize()
	if _, err := b.admin.Exec(ctx, "CREATE DATABASE "+quoted); err != nil {
		return testkit.NewError(testkit.KindDatabaseCreation, "backend.CreateDatabase", err)
	}
	return nil
}

// CreateDatabaseFromTemplate clones template into name. PostgreSQL
// refuses to copy a template with other sessions attached, so existing
// sessions are terminated first and the create is retried while
// stragglers drain.
func (b *Backend) CreateDatabaseFromTemplate(ctx context.Context, name, template testkit.DatabaseName) error {
	if err := b.TerminateConnections(ctx, template); err != nil {
		return err
	}

	quoted := pgx.Identifier{name.String()}.Sanitize()
	quotedTemplate := pgx.Identifier{template.String()}.Sanitize()
	sql := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", quoted, quotedTemplate)

	err := b.retryWhileInUse(ctx, func() error {
		_, err := b.admin.Exec(ctx, sql)
		return err
	})
	if err != nil {
		return testkit.NewError(testkit.KindDatabaseCreation, "backend.CreateDatabaseFromTemplate", err)
	}
	return nil
}

// DropDatabase terminates all sessions on the database and drops it.
// Dropping a database that does not exist is a success.
func (b *Backend) DropDatabase(ctx context.Context, name testkit.DatabaseName) error {
	if err := b.TerminateConnections(ctx, name); err != nil {
		return err
	}

	quoted := pgx.Identifier{name.String()}.Sanitize()
	err := b.retryWhileInUse(ctx, func() error {
		_, err := b.admin.Exec(ctx, "DROP DATABASE IF EXISTS "+quoted)
		return err
	})
	if err != nil {
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.DropDatabase", err)
	}
	return nil
}

// TerminateConnections blocks new sessions on the database and kills the
// existing ones. pg_stat_activity lags pool closure slightly, so the
// disallow step runs first to close the race window.
func (b *Backend) TerminateConnections(ctx context.Context, name testkit.DatabaseName) error {
	quoted := pgx.Identifier{name.String()}.Sanitize()

	_, err := b.admin.Exec(ctx, fmt.Sprintf("ALTER DATABASE %s ALLOW_CONNECTIONS FALSE", quoted))
	if err != nil {
		if isSQLState(err, invalidCatalogName) {
			return nil
		}
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections",
			fmt.Errorf("disallow connections: %w", err))
	}

	_, err = b.admin.Exec(ctx, `
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
func (b *Backend) ConnectionString(name testkit.DatabaseName) string {
	dsn, err := testkit.ReplaceDatabase(b.config.UserURL, name)
	if err != nil {
		// NewBackend does not parse the user URL. An unparseable one is
		// returned unchanged, and building a pool from it fails there.
		return b.config.UserURL
	}
	return dsn
}

// NewPool builds a pgxpool bound to the given database.
func (b *Backend) NewPool(ctx context.Context, name testkit.DatabaseName, cfg testkit.PoolConfig) (testkit.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(b.ConnectionString(name))
	if err != nil {
		return nil, testkit.NewError(testkit.KindConfig, "backend.NewPool",
			fmt.Errorf("parse DSN: %w", err))
	}
	if cfg.MaxSize > 0 {
		poolCfg.MaxConns = int32(cfg.MaxSize)
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, testkit.NewError(testkit.KindPool, "backend.NewPool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, testkit.NewError(testkit.KindConnection, "backend.NewPool",
			fmt.Errorf("ping database: %w", err))
	}

	return &pgxPool{pool: pool, acquireTimeout: cfg.ConnectionTimeout}, nil
}

// Close releases the admin pool.
func (b *Backend) Close(ctx context.Context) error {
	b.admin.Close()
	return nil
}

// retryWhileInUse retries op a few times while it fails with SQLSTATE
// 55006, backing off between attempts. Termination signals take a moment
// to fully close sessions, especially under concurrent teardown.
func (b *Backend) retryWhileInUse(ctx context.Context, op func() error) error {
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

func isSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
