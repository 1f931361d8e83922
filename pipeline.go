package testkit

import "context"

// SetupFunc seeds a freshly created test database. It runs outside any
// transaction.
type SetupFunc func(ctx context.Context, conn Connection) error

// TransactionFunc runs the body of a test inside a transaction. Returning
// an error rolls the transaction back; returning nil commits it.
type TransactionFunc func(ctx context.Context, tx Transaction) error

// WithDatabase starts the fluent pipeline: provision a test database on
// the backend, seed it, optionally run a transactional body, and hand the
// live TestContext back to the caller.
//
//	ctx, err := testkit.WithDatabase(backend).
//	    Setup(func(ctx context.Context, conn testkit.Connection) error {
//	        _, err := conn.Execute(ctx, "CREATE TABLE t (i INT)")
//	        return err
//	    }).
//	    WithTransaction(func(ctx context.Context, tx testkit.Transaction) error {
//	        _, err := tx.Execute(ctx, "INSERT INTO t VALUES (1)")
//	        return err
//	    }).
//	    Execute(context.Background())
func WithDatabase(backend Backend, opts ...Option) *DatabaseEntry {
	return &DatabaseEntry{backend: backend, opts: opts}
}

// WithBoxedDatabase is WithDatabase for call sites that assemble their
// handler functions dynamically: the handlers are stored as plain
// function values (SetupFunc, TransactionFunc), so closures built at
// runtime slot in without any generic machinery at the call site. The
// pipeline semantics are identical to WithDatabase.
func WithBoxedDatabase(backend Backend, opts ...Option) *DatabaseEntry {
	return WithDatabase(backend, opts...)
}

// DatabaseEntry is the first stage of the pipeline, before a setup
// function is attached.
type DatabaseEntry struct {
	backend Backend
	opts    []Option
}

// Setup attaches the one-shot seed function.
func (e *DatabaseEntry) Setup(f SetupFunc) *SetupHandler {
	return &SetupHandler{entry: e, setup: f}
}

// Execute provisions the database with no setup and no transaction and
// returns its context.
func (e *DatabaseEntry) Execute(ctx context.Context) (*TestContext, error) {
	return e.Setup(nil).Execute(ctx)
}

// SetupHandler holds the pending setup step. Attach a transactional body
// with WithTransaction, or Execute to run the setup alone.
type SetupHandler struct {
	entry *DatabaseEntry
	setup SetupFunc
}

// WithTransaction attaches the one-shot transactional body.
func (h *SetupHandler) WithTransaction(f TransactionFunc) *TransactionHandler {
	return &TransactionHandler{setup: h, txFn: f}
}

// Execute provisions the database, runs the setup function against one
// connection, and returns the live context. The connection stays held by
// the context for the test body to reuse.
func (h *SetupHandler) Execute(ctx context.Context) (*TestContext, error) {
	tc, err := h.run(ctx)
	if err != nil && tc != nil {
		tc.Release()
		tc.DB().Close()
		return nil, err
	}
	return tc, err
}

func (h *SetupHandler) run(ctx context.Context) (*TestContext, error) {
	db, err := NewTestDatabase(ctx, h.entry.backend, h.entry.opts...)
	if err != nil {
		return nil, err
	}

	tc := NewTestContext(db)
	if h.setup == nil {
		return tc, nil
	}

	conn, err := tc.Connection(ctx)
	if err != nil {
		return tc, err
	}
	if err := h.setup(ctx, conn); err != nil {
		return tc, err
	}
	return tc, nil
}

// TransactionHandler is the final pipeline stage: setup, then the
// transactional body.
type TransactionHandler struct {
	setup *SetupHandler
	txFn  TransactionFunc
}

// Execute provisions the database, runs setup without a transaction, then
// opens a transaction and runs the body. On a body error the transaction
// is rolled back, teardown of the database is scheduled (see Close), and
// the error surfaces; on success the transaction commits and the live
// context is returned.
func (t *TransactionHandler) Execute(ctx context.Context) (*TestContext, error) {
	tc, err := t.setup.run(ctx)
	if err != nil {
		if tc != nil {
			tc.Release()
			tc.DB().Close()
		}
		return nil, err
	}

	tx, err := tc.BeginTransaction(ctx)
	if err != nil {
		tc.Release()
		tc.DB().Close()
		return nil, err
	}

	if err := t.txFn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			tc.DB().logger().WithError(rbErr).
				Warn("testkit: rollback after failed transaction function")
		}
		tc.Release()
		tc.DB().Close()
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		tc.Release()
		tc.DB().Close()
		return nil, err
	}
	return tc, nil
}
