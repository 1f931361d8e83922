// Package mysql provides the MySQL backends for testkit.
//
// Two implementations of testkit.Backend live here behind the same
// contract:
//
//   - Backend (NewBackend) rides on go-sql-driver/mysql directly.
//   - SqlxBackend (NewSqlxBackend) rides on sqlx over the same driver,
//     for code under test that speaks sqlx.
//
// MySQL has no CREATE DATABASE ... TEMPLATE, so template cloning creates
// an empty database and copies every base table's definition and rows
// from the template. That is noticeably more expensive than the
// PostgreSQL path; keep template schemas lean.
//
// Connection strings may be given either as mysql:// URLs or as native
// go-sql-driver DSNs; both are accepted everywhere.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/bashhack/testkit"
)

// unknownThreadID is raised by KILL when the session already exited.
const unknownThreadID = 1094

// Backend is the native go-sql-driver implementation of testkit.Backend.
type Backend struct {
	config   testkit.DatabaseConfig
	adminCfg *mysql.Config
	userCfg  *mysql.Config
	admin    *sql.DB
}

var _ testkit.Backend = (*Backend)(nil)

// NewBackend parses the config's URLs, opens the admin handle, and
// verifies reachability with a ping.
func NewBackend(ctx context.Context, config testkit.DatabaseConfig) (*Backend, error) {
	adminCfg, err := parseConnString(config.AdminURL)
	if err != nil {
		return nil, testkit.NewError(testkit.KindConfig, "mysql.NewBackend",
			fmt.Errorf("admin URL: %w", err))
	}
	userCfg, err := parseConnString(config.UserURL)
	if err != nil {
		return nil, testkit.NewError(testkit.KindConfig, "mysql.NewBackend",
			fmt.Errorf("user URL: %w", err))
	}

	admin, err := sql.Open("mysql", adminCfg.FormatDSN())
	if err != nil {
		return nil, testkit.NewError(testkit.KindConnection, "mysql.NewBackend", err)
	}
	admin.SetMaxOpenConns(3)
	if err := admin.PingContext(ctx); err != nil {
		_ = admin.Close()
		return nil, testkit.NewError(testkit.KindConnection, "mysql.NewBackend",
			fmt.Errorf("ping admin database: %w", err))
	}

	return &Backend{
		config:   config,
		adminCfg: adminCfg,
		userCfg:  userCfg,
		admin:    admin,
	}, nil
}

// CreateDatabase creates an empty utf8mb4 database.
func (b *Backend) CreateDatabase(ctx context.Context, name testkit.DatabaseName) error {
	stmt := fmt.Sprintf(
		"CREATE DATABASE %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		quoteIdentifier(name.String()))
	if _, err := b.admin.ExecContext(ctx, stmt); err != nil {
		return testkit.NewError(testkit.KindDatabaseCreation, "backend.CreateDatabase", err)
	}
	return nil
}

// CreateDatabaseFromTemplate creates an empty database and copies every
// base table — definition and rows — from the template. Foreign key
// checks are suspended for the session while rows stream over so copy
// order does not matter.
func (b *Backend) CreateDatabaseFromTemplate(ctx context.Context, name, template testkit.DatabaseName) error {
	if err := b.CreateDatabase(ctx, name); err != nil {
		return err
	}

	err := b.copyTables(ctx, name, template)
	if err != nil {
		// Leave no half-copied database behind.
		_ = b.DropDatabase(ctx, name)
		return testkit.NewError(testkit.KindDatabaseCreation, "backend.CreateDatabaseFromTemplate", err)
	}
	return nil
}

func (b *Backend) copyTables(ctx context.Context, name, template testkit.DatabaseName) error {
	// One session for the whole copy: SET FOREIGN_KEY_CHECKS is
	// session-scoped.
	conn, err := b.admin.Conn(ctx)
	if err != nil {
		return fmt.Errorf("admin connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
        SELECT table_name FROM information_schema.tables
        WHERE table_schema = ? AND table_type = 'BASE TABLE'
        ORDER BY table_name`, template.String())
	if err != nil {
		return fmt.Errorf("list template tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			rows.Close()
			return fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("list template tables: %w", err)
	}
	rows.Close()

	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return fmt.Errorf("disable foreign key checks: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1")
	}()

	target := quoteIdentifier(name.String())
	source := quoteIdentifier(template.String())
	for _, table := range tables {
		qt := quoteIdentifier(table)
		if _, err := conn.ExecContext(ctx,
			fmt.Sprintf("CREATE TABLE %s.%s LIKE %s.%s", target, qt, source, qt)); err != nil {
			return fmt.Errorf("copy table %s definition: %w", table, err)
		}
		if _, err := conn.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s.%s SELECT * FROM %s.%s", target, qt, source, qt)); err != nil {
			return fmt.Errorf("copy table %s rows: %w", table, err)
		}
	}
	return nil
}

// DropDatabase kills all sessions on the database and drops it. Dropping
// a database that does not exist is a success.
func (b *Backend) DropDatabase(ctx context.Context, name testkit.DatabaseName) error {
	if err := b.TerminateConnections(ctx, name); err != nil {
		return err
	}
	stmt := "DROP DATABASE IF EXISTS " + quoteIdentifier(name.String())
	if _, err := b.admin.ExecContext(ctx, stmt); err != nil {
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.DropDatabase", err)
	}
	return nil
}

// TerminateConnections issues KILL for every process attached to the
// database. Sessions that exit between the list and the KILL are not an
// error.
func (b *Backend) TerminateConnections(ctx context.Context, name testkit.DatabaseName) error {
	rows, err := b.admin.QueryContext(ctx,
		"SELECT id FROM information_schema.PROCESSLIST WHERE db = ?", name.String())
	if err != nil {
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections",
			fmt.Errorf("list processes: %w", err))
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := b.admin.ExecContext(ctx, fmt.Sprintf("KILL %d", id)); err != nil {
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == unknownThreadID {
				continue
			}
			return testkit.NewError(testkit.KindDatabaseDrop, "backend.TerminateConnections",
				fmt.Errorf("kill process %d: %w", id, err))
		}
	}
	return nil
}

// ConnectionString builds the driver DSN for the given database from the
// user URL.
func (b *Backend) ConnectionString(name testkit.DatabaseName) string {
	return dsnForDatabase(b.userCfg, name)
}

// NewPool builds a pool bound to the given database.
func (b *Backend) NewPool(ctx context.Context, name testkit.DatabaseName, cfg testkit.PoolConfig) (testkit.Pool, error) {
	db, err := sql.Open("mysql", b.ConnectionString(name))
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
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, testkit.NewError(testkit.KindConnection, "backend.NewPool",
			fmt.Errorf("ping database: %w", err))
	}
	return &sqlPool{db: db, acquireTimeout: cfg.ConnectionTimeout}, nil
}

// Close releases the admin handle.
func (b *Backend) Close(ctx context.Context) error {
	if err := b.admin.Close(); err != nil {
		return testkit.NewError(testkit.KindConnection, "backend.Close", err)
	}
	return nil
}
