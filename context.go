package testkit

import "context"

// TestContext is the per-test scratchpad the combinator algebra executes
// against. It wraps the live TestDatabase and lazily holds one acquired
// connection. A TestContext belongs to one goroutine.
type TestContext struct {
	db   *TestDatabase
	conn Connection
}

// NewTestContext wraps a test database in a fresh context.
func NewTestContext(db *TestDatabase) *TestContext {
	return &TestContext{db: db}
}

// DB returns the underlying test database.
func (tc *TestContext) DB() *TestDatabase {
	return tc.db
}

// Connection returns the context's held connection, acquiring one from
// the database's pool on first use.
func (tc *TestContext) Connection(ctx context.Context) (Connection, error) {
	if tc.conn != nil {
		return tc.conn, nil
	}
	conn, err := tc.db.Connection(ctx)
	if err != nil {
		return nil, err
	}
	tc.conn = conn
	return conn, nil
}

// BeginTransaction starts a transaction on the context's connection,
// acquiring one if none is held. The transaction controls the connection
// exclusively until it commits or rolls back; the connection stays with
// the context afterwards.
func (tc *TestContext) BeginTransaction(ctx context.Context) (Transaction, error) {
	conn, err := tc.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Begin(ctx)
}

// Release returns the held connection, if any, to the pool. The context
// may be reused; the next Connection call acquires anew.
func (tc *TestContext) Release() {
	if tc.conn != nil {
		tc.conn.Release()
		tc.conn = nil
	}
}
