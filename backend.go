package testkit

import "context"

// Backend is the uniform contract over one DBMS driver bound to one
// DatabaseConfig. Implementations live in the postgres and mysql
// subpackages; two variants exist per DBMS (a native driver and a
// sqlx-based one) behind this same interface.
//
// Backends are safe for concurrent use and may be shared across
// goroutines; their internal admin connections are reference-held by the
// templates and databases built from them.
type Backend interface {
	// CreateDatabase creates an empty database. MySQL backends set the
	// character set to utf8mb4.
	CreateDatabase(ctx context.Context, name DatabaseName) error

	// CreateDatabaseFromTemplate creates a database whose schema and
	// rows are copied from template. PostgreSQL uses CREATE DATABASE ...
	// TEMPLATE after terminating template sessions; MySQL creates an
	// empty database and copies tables over.
	CreateDatabaseFromTemplate(ctx context.Context, name, template DatabaseName) error

	// DropDatabase terminates all sessions on the database and drops it.
	// Dropping a database that does not exist is a success.
	DropDatabase(ctx context.Context, name DatabaseName) error

	// TerminateConnections forcefully closes all sessions on the
	// database. A database that does not exist is not an error.
	TerminateConnections(ctx context.Context, name DatabaseName) error

	// ConnectionString builds the connection string for the given
	// database from the user URL. Its form is backend-specific: a URL for
	// PostgreSQL, a go-sql-driver DSN for MySQL.
	ConnectionString(name DatabaseName) string

	// NewPool builds a connection pool bound to the given database.
	NewPool(ctx context.Context, name DatabaseName, cfg PoolConfig) (Pool, error)

	// Close releases the backend's admin connection.
	Close(ctx context.Context) error
}

// Pool is a bounded, concurrency-safe cache of live connections to one
// database.
type Pool interface {
	// Acquire returns an exclusively held connection, waiting until one
	// is free or the pool's connection timeout elapses, in which case a
	// connection-kind Error wrapping ErrAcquireTimeout is returned.
	Acquire(ctx context.Context) (Connection, error)

	// Close closes the pool and all idle connections. Held connections
	// are closed as they are released.
	Close()
}

// Connection is one live DBMS session, exclusively held by its acquirer.
// Release returns it to its pool; a connection that errored mid-use is
// discarded by the pool rather than reused. Connections are not safe for
// concurrent use.
type Connection interface {
	// Execute runs a statement that returns no rows and reports the
	// affected row count, or 0 where the driver does not expose it.
	Execute(ctx context.Context, sql string, args ...any) (int64, error)

	// Fetch runs a query and materializes all result rows into memory.
	Fetch(ctx context.Context, sql string, args ...any) ([]Row, error)

	// QueryOne runs a query that must produce exactly one row. Zero rows
	// yields ErrNoRows, more than one ErrTooManyRows, both wrapped in a
	// query-execution Error.
	QueryOne(ctx context.Context, sql string, args ...any) (Row, error)

	// Begin starts a transaction. The connection is under the
	// transaction's exclusive control until it commits or rolls back.
	Begin(ctx context.Context) (Transaction, error)

	// Release returns the connection to its pool. Safe to call more than
	// once.
	Release()
}

// Transaction is one in-progress DBMS transaction. Exactly one of Commit
// or Rollback should be called; Rollback after Commit (or a second
// Commit) returns ErrTxDone. Deferring Rollback is the conventional way
// to guarantee an abandoned transaction leaves no committed effects.
type Transaction interface {
	// Execute runs a statement inside the transaction.
	Execute(ctx context.Context, sql string, args ...any) (int64, error)

	// Fetch runs a query inside the transaction and materializes the
	// rows.
	Fetch(ctx context.Context, sql string, args ...any) ([]Row, error)

	// Commit makes the transaction's effects durable.
	Commit(ctx context.Context) error

	// Rollback discards the transaction's effects.
	Rollback(ctx context.Context) error
}
