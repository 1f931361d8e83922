// Package testkit provisions isolated, disposable databases on a real
// DBMS instance, one per test. Each test gets its own freshly created
// (or template-cloned) database, a pooled connection facility, and
// transaction support; the database is dropped when the test finishes,
// whether it passed, failed, or panicked.
//
// Supported databases:
//   - PostgreSQL (github.com/bashhack/testkit/postgres)
//   - MySQL (github.com/bashhack/testkit/mysql)
//
// Basic usage:
//
//	backend, err := postgres.NewBackend(ctx, testkit.SingleURLConfig(testkit.PostgresURL()))
//	...
//	template, err := testkit.NewTemplate(ctx, backend)
//	err = template.Initialize(ctx, func(ctx context.Context, conn testkit.Connection) error {
//	    _, err := conn.Execute(ctx, "CREATE TABLE users (id SERIAL PRIMARY KEY, email TEXT)")
//	    return err
//	})
//	db, err := template.CreateTestDatabase(ctx)
//	defer db.Close()
//
// Every database cloned from the template sees the seeded schema and is
// fully isolated from its siblings.
package testkit

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// TestDatabase is one ephemeral database owned by one running test. It
// bundles the generated name, a connection pool bound to that database,
// and the credentials needed to drop it again.
type TestDatabase struct {
	name    DatabaseName
	backend Backend
	pool    Pool
	config  Config

	// template is set when this database was cloned; it holds the clone
	// slot until teardown completes.
	template *TestDatabaseTemplate

	closeOnce sync.Once
	done      chan struct{}
}

// NewTestDatabase creates a standalone test database (no template): a
// fresh, empty database plus a pool bound to it. Use a template instead
// when many tests share seed data.
func NewTestDatabase(ctx context.Context, backend Backend, opts ...Option) (*TestDatabase, error) {
	if backend == nil {
		return nil, NewError(KindConfig, "NewTestDatabase", ErrNilBackend)
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	name, err := NewDatabaseName(cfg.Prefix)
	if err != nil {
		return nil, err
	}

	if err := backend.CreateDatabase(ctx, name); err != nil {
		return nil, err
	}

	pool, err := backend.NewPool(ctx, name, cfg.Pool)
	if err != nil {
		// Best effort cleanup of the database we just created.
		_ = backend.DropDatabase(ctx, name)
		return nil, err
	}

	return &TestDatabase{
		name:    name,
		backend: backend,
		pool:    pool,
		config:  cfg,
		done:    make(chan struct{}),
	}, nil
}

// Name returns the generated database name.
func (db *TestDatabase) Name() DatabaseName {
	return db.name
}

// DSN returns the connection string for this database, built from the
// backend's user URL. Useful for attaching ORMs or external tools.
func (db *TestDatabase) DSN() string {
	return db.backend.ConnectionString(db.name)
}

// Pool returns the connection pool bound to this database.
func (db *TestDatabase) Pool() Pool {
	return db.pool
}

// Connection acquires one connection from the pool.
func (db *TestDatabase) Connection(ctx context.Context) (Connection, error) {
	return db.pool.Acquire(ctx)
}

// Begin acquires a connection and starts a transaction on it. The
// connection is released back to the pool when the transaction commits
// or rolls back.
func (db *TestDatabase) Begin(ctx context.Context) (Transaction, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &releasingTx{Transaction: tx, conn: conn}, nil
}

// Close schedules teardown of the database and returns immediately. The
// pool is closed, sessions are terminated, and the database is dropped
// on the process-wide teardown executor, so teardown runs even when the
// calling goroutine is unwinding from a panic or was cancelled.
//
// After Close returns the database may not be gone yet; synchronize with
// Teardown or DrainTeardowns when a test needs to observe the drop.
func (db *TestDatabase) Close() {
	db.closeOnce.Do(func() {
		reaper.enqueue(func() {
			db.teardown(context.Background())
		})
	})
}

// Teardown drops the database synchronously and reports the result. If
// Close was already called, Teardown waits for the scheduled teardown to
// finish instead.
func (db *TestDatabase) Teardown(ctx context.Context) error {
	ran := false
	var err error
	db.closeOnce.Do(func() {
		ran = true
		err = db.teardown(ctx)
	})
	if ran {
		return err
	}
	select {
	case <-db.done:
		return nil
	case <-ctx.Done():
		return NewError(KindTimeout, "TestDatabase.Teardown", ctx.Err())
	}
}

// teardown runs exactly once, via closeOnce. Failures are logged and
// returned; Teardown passes them to its caller, while the asynchronous
// Close path discards them.
func (db *TestDatabase) teardown(ctx context.Context) error {
	defer close(db.done)

	db.pool.Close()

	err := db.backend.DropDatabase(ctx, db.name)
	if err != nil {
		db.logger().WithError(err).WithField("database", db.name.String()).
			Warn("testkit: failed to drop test database")
	}

	if db.template != nil {
		db.template.childDone()
	}
	return err
}

func (db *TestDatabase) logger() *logrus.Logger {
	if db.config.Logger != nil {
		return db.config.Logger
	}
	return logrus.StandardLogger()
}

// releasingTx returns the underlying connection to the pool once the
// transaction finishes, whichever way it finishes.
type releasingTx struct {
	Transaction
	conn    Connection
	release sync.Once
}

func (t *releasingTx) Commit(ctx context.Context) error {
	err := t.Transaction.Commit(ctx)
	t.release.Do(t.conn.Release)
	return err
}

func (t *releasingTx) Rollback(ctx context.Context) error {
	err := t.Transaction.Rollback(ctx)
	t.release.Do(t.conn.Release)
	return err
}
