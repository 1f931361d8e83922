package testkit

import (
	"context"
	"sync"
	"time"
)

// fakeBackend is an in-memory Backend used to exercise the lifecycle,
// pipeline, and combinator machinery without a server. Databases are
// statement logs: Execute appends, transactions buffer until commit, and
// Fetch returns the committed statements one per row.
type fakeBackend struct {
	mu         sync.Mutex
	databases  map[string][]string
	dropCalls  map[string]int
	clonedFrom map[string]string
	closed     bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		databases:  make(map[string][]string),
		dropCalls:  make(map[string]int),
		clonedFrom: make(map[string]string),
	}
}

func (b *fakeBackend) exists(name DatabaseName) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.databases[name.String()]
	return ok
}

func (b *fakeBackend) committed(name DatabaseName) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.databases[name.String()]...)
}

func (b *fakeBackend) CreateDatabase(ctx context.Context, name DatabaseName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.databases[name.String()]; ok {
		return Errorf(KindDatabaseCreation, "backend.CreateDatabase", "database %s exists", name)
	}
	b.databases[name.String()] = nil
	return nil
}

func (b *fakeBackend) CreateDatabaseFromTemplate(ctx context.Context, name, template DatabaseName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tpl, ok := b.databases[template.String()]
	if !ok {
		return Errorf(KindDatabaseCreation, "backend.CreateDatabaseFromTemplate", "template %s missing", template)
	}
	b.databases[name.String()] = append([]string(nil), tpl...)
	b.clonedFrom[name.String()] = template.String()
	return nil
}

func (b *fakeBackend) DropDatabase(ctx context.Context, name DatabaseName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.databases, name.String())
	b.dropCalls[name.String()]++
	return nil
}

func (b *fakeBackend) TerminateConnections(ctx context.Context, name DatabaseName) error {
	return nil
}

func (b *fakeBackend) ConnectionString(name DatabaseName) string {
	return "fake://" + name.String()
}

func (b *fakeBackend) NewPool(ctx context.Context, name DatabaseName, cfg PoolConfig) (Pool, error) {
	if !b.exists(name) {
		return nil, Errorf(KindPool, "backend.NewPool", "database %s missing", name)
	}
	size := cfg.MaxSize
	if size <= 0 {
		size = 1
	}
	return &fakePool{
		backend:        b,
		name:           name,
		slots:          make(chan struct{}, size),
		acquireTimeout: cfg.ConnectionTimeout,
	}, nil
}

func (b *fakeBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakePool struct {
	backend        *fakeBackend
	name           DatabaseName
	slots          chan struct{}
	acquireTimeout time.Duration
}

func (p *fakePool) Acquire(ctx context.Context) (Connection, error) {
	timeout := p.acquireTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case p.slots <- struct{}{}:
		return &fakeConn{pool: p}, nil
	case <-time.After(timeout):
		return nil, NewError(KindConnection, "pool.Acquire", ErrAcquireTimeout)
	case <-ctx.Done():
		return nil, NewError(KindConnection, "pool.Acquire", ctx.Err())
	}
}

func (p *fakePool) Close() {}

type fakeConn struct {
	pool    *fakePool
	release sync.Once
}

func (c *fakeConn) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	b := c.pool.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	key := c.pool.name.String()
	if _, ok := b.databases[key]; !ok {
		return 0, Errorf(KindQueryExecution, "conn.Execute", "database %s missing", key)
	}
	b.databases[key] = append(b.databases[key], sql)
	return 1, nil
}

func (c *fakeConn) Fetch(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows := c.pool.backend.committed(c.pool.name)
	out := make([]Row, len(rows))
	for i, stmt := range rows {
		out[i] = NewRow([]string{"statement"}, []any{stmt})
	}
	return out, nil
}

func (c *fakeConn) QueryOne(ctx context.Context, sql string, args ...any) (Row, error) {
	rows, err := c.Fetch(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, NewError(KindQueryExecution, "conn.QueryOne", ErrNoRows)
	case 1:
		return rows[0], nil
	default:
		return nil, NewError(KindQueryExecution, "conn.QueryOne", ErrTooManyRows)
	}
}

func (c *fakeConn) Begin(ctx context.Context) (Transaction, error) {
	return &fakeTx{conn: c}, nil
}

func (c *fakeConn) Release() {
	c.release.Do(func() {
		<-c.pool.slots
	})
}

type fakeTx struct {
	conn    *fakeConn
	pending []string
	done    bool
}

func (t *fakeTx) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	if t.done {
		return 0, NewError(KindTransaction, "tx.Execute", ErrTxDone)
	}
	t.pending = append(t.pending, sql)
	return 1, nil
}

func (t *fakeTx) Fetch(ctx context.Context, sql string, args ...any) ([]Row, error) {
	committed := t.conn.pool.backend.committed(t.conn.pool.name)
	all := append(committed, t.pending...)
	out := make([]Row, len(all))
	for i, stmt := range all {
		out[i] = NewRow([]string{"statement"}, []any{stmt})
	}
	return out, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.done {
		return NewError(KindTransaction, "tx.Commit", ErrTxDone)
	}
	t.done = true
	b := t.conn.pool.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	key := t.conn.pool.name.String()
	b.databases[key] = append(b.databases[key], t.pending...)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.done {
		return NewError(KindTransaction, "tx.Rollback", ErrTxDone)
	}
	t.done = true
	t.pending = nil
	return nil
}
