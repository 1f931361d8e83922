package testkit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// TestDatabaseTemplate owns a pristine, schema-loaded database from which
// per-test databases are cloned. Create it once per suite, seed it with
// Initialize, then call CreateTestDatabase from each test. The template
// is safe to share across goroutines.
type TestDatabaseTemplate struct {
	backend Backend
	config  Config
	name    DatabaseName

	// sem bounds how many cloned databases are alive at once.
	sem *semaphore.Weighted

	// children tracks outstanding test databases, including ones whose
	// teardown is still queued. Close waits on it before dropping the
	// template.
	children sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	cloned      bool
	closed      bool
}

// NewTemplate creates the template database on the server and returns its
// handle. The template starts empty; run Initialize to seed it before
// cloning.
func NewTemplate(ctx context.Context, backend Backend, opts ...Option) (*TestDatabaseTemplate, error) {
	if backend == nil {
		return nil, NewError(KindConfig, "NewTemplate", ErrNilBackend)
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	name, err := NewDatabaseName(cfg.TemplatePrefix)
	if err != nil {
		return nil, err
	}

	if err := backend.CreateDatabase(ctx, name); err != nil {
		return nil, err
	}

	return &TestDatabaseTemplate{
		backend: backend,
		config:  cfg,
		name:    name,
		sem:     semaphore.NewWeighted(cfg.MaxReplicas),
	}, nil
}

// Name returns the template database's name.
func (tpl *TestDatabaseTemplate) Name() DatabaseName {
	return tpl.name
}

// Initialize seeds the template database by running f against one
// connection. It must be called before the first CreateTestDatabase and
// at most once; afterwards the template is immutable.
func (tpl *TestDatabaseTemplate) Initialize(ctx context.Context, f func(context.Context, Connection) error) error {
	tpl.mu.Lock()
	switch {
	case tpl.closed:
		tpl.mu.Unlock()
		return NewError(KindConfig, "Template.Initialize", ErrClosed)
	case tpl.initialized:
		tpl.mu.Unlock()
		return NewError(KindConfig, "Template.Initialize", ErrAlreadyInitialized)
	case tpl.cloned:
		tpl.mu.Unlock()
		return NewError(KindConfig, "Template.Initialize", ErrTemplateInUse)
	}
	tpl.initialized = true
	tpl.mu.Unlock()

	pool, err := tpl.backend.NewPool(ctx, tpl.name, tpl.config.Pool)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return f(ctx, conn)
}

// CreateTestDatabase clones the template into a fresh per-test database
// and returns its handle. At most MaxReplicas clones are alive at once;
// further calls block here until a slot frees.
func (tpl *TestDatabaseTemplate) CreateTestDatabase(ctx context.Context) (*TestDatabase, error) {
	tpl.mu.Lock()
	if tpl.closed {
		tpl.mu.Unlock()
		return nil, NewError(KindConfig, "Template.CreateTestDatabase", ErrClosed)
	}
	tpl.cloned = true
	tpl.mu.Unlock()

	if err := tpl.sem.Acquire(ctx, 1); err != nil {
		return nil, NewError(KindConnection, "Template.CreateTestDatabase", err)
	}

	name, err := NewDatabaseName(tpl.config.Prefix)
	if err != nil {
		tpl.sem.Release(1)
		return nil, err
	}

	if err := tpl.backend.CreateDatabaseFromTemplate(ctx, name, tpl.name); err != nil {
		tpl.sem.Release(1)
		return nil, err
	}

	pool, err := tpl.backend.NewPool(ctx, name, tpl.config.Pool)
	if err != nil {
		_ = tpl.backend.DropDatabase(ctx, name)
		tpl.sem.Release(1)
		return nil, err
	}

	tpl.children.Add(1)
	return &TestDatabase{
		name:     name,
		backend:  tpl.backend,
		pool:     pool,
		config:   tpl.config,
		template: tpl,
		done:     make(chan struct{}),
	}, nil
}

// childDone releases a clone slot once a test database's teardown has
// fully completed, so the capacity bound counts databases that still
// exist on the server, not just live handles.
func (tpl *TestDatabaseTemplate) childDone() {
	tpl.sem.Release(1)
	tpl.children.Done()
}

// Close waits for all outstanding test database teardowns and then drops
// the template database itself. ctx bounds the wait.
func (tpl *TestDatabaseTemplate) Close(ctx context.Context) error {
	tpl.mu.Lock()
	if tpl.closed {
		tpl.mu.Unlock()
		return nil
	}
	tpl.closed = true
	tpl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tpl.children.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return NewError(KindTimeout, "Template.Close", ctx.Err())
	}

	return tpl.backend.DropDatabase(ctx, tpl.name)
}
