package testkit

import (
	"context"
	"errors"
	"testing"
)

func TestPipelineSetupOnly(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	tc, err := WithDatabase(backend).
		Setup(func(ctx context.Context, conn Connection) error {
			_, err := conn.Execute(ctx, "CREATE TABLE t (i INT)")
			return err
		}).
		Execute(ctx)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	defer func() {
		tc.Release()
		_ = tc.DB().Teardown(ctx)
	}()

	stmts := backend.committed(tc.DB().Name())
	if len(stmts) != 1 || stmts[0] != "CREATE TABLE t (i INT)" {
		t.Errorf("Expected setup statement committed, got %v", stmts)
	}
}

func TestPipelineSetupAndTransaction(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	tc, err := WithDatabase(backend).
		Setup(func(ctx context.Context, conn Connection) error {
			_, err := conn.Execute(ctx, "CREATE TABLE t (i INT)")
			return err
		}).
		WithTransaction(func(ctx context.Context, tx Transaction) error {
			_, err := tx.Execute(ctx, "INSERT INTO t VALUES (1)")
			return err
		}).
		Execute(ctx)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	defer func() {
		tc.Release()
		_ = tc.DB().Teardown(ctx)
	}()

	stmts := backend.committed(tc.DB().Name())
	if len(stmts) != 2 {
		t.Fatalf("Expected setup + transaction statements committed, got %v", stmts)
	}
	if stmts[1] != "INSERT INTO t VALUES (1)" {
		t.Errorf("Expected committed insert, got %v", stmts)
	}
}

func TestPipelineRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	userErr := errors.New("user function failed")

	_, err := WithDatabase(backend).
		Setup(func(ctx context.Context, conn Connection) error {
			_, err := conn.Execute(ctx, "CREATE TABLE t (i INT)")
			return err
		}).
		WithTransaction(func(ctx context.Context, tx Transaction) error {
			if _, err := tx.Execute(ctx, "INSERT INTO t VALUES (1)"); err != nil {
				return err
			}
			return userErr
		}).
		Execute(ctx)

	if !errors.Is(err, userErr) {
		t.Fatalf("Expected the user error to surface, got %v", err)
	}

	// The failed pipeline tears its database down in the background.
	if err := DrainTeardowns(ctx); err != nil {
		t.Fatalf("DrainTeardowns failed: %v", err)
	}
	backend.mu.Lock()
	remaining := len(backend.databases)
	backend.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("Expected no surviving databases, found %d", remaining)
	}
}

func TestPipelineSetupErrorSkipsTransaction(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	setupErr := errors.New("setup failed")
	txRan := false

	_, err := WithDatabase(backend).
		Setup(func(ctx context.Context, conn Connection) error {
			return setupErr
		}).
		WithTransaction(func(ctx context.Context, tx Transaction) error {
			txRan = true
			return nil
		}).
		Execute(ctx)

	if !errors.Is(err, setupErr) {
		t.Fatalf("Expected setup error to surface, got %v", err)
	}
	if txRan {
		t.Error("Expected transaction function to not run after setup failure")
	}
	if err := DrainTeardowns(ctx); err != nil {
		t.Fatalf("DrainTeardowns failed: %v", err)
	}
}

func TestPipelineWithoutSetup(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	tc, err := WithDatabase(backend).Execute(ctx)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	defer func() {
		tc.Release()
		_ = tc.DB().Teardown(ctx)
	}()

	if !backend.exists(tc.DB().Name()) {
		t.Error("Expected a live database from the bare pipeline")
	}
}

func TestBoxedPipelineMatchesPlain(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	setup := SetupFunc(func(ctx context.Context, conn Connection) error {
		_, err := conn.Execute(ctx, "CREATE TABLE t (i INT)")
		return err
	})

	tc, err := WithBoxedDatabase(backend).Setup(setup).Execute(ctx)
	if err != nil {
		t.Fatalf("Boxed pipeline failed: %v", err)
	}
	defer func() {
		tc.Release()
		_ = tc.DB().Teardown(ctx)
	}()

	stmts := backend.committed(tc.DB().Name())
	if len(stmts) != 1 {
		t.Errorf("Expected one committed statement, got %v", stmts)
	}
}

func TestTestContextReusesConnection(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	db, err := NewTestDatabase(ctx, backend, WithMaxPoolSize(1))
	if err != nil {
		t.Fatalf("NewTestDatabase failed: %v", err)
	}
	defer func() { _ = db.Teardown(ctx) }()

	tc := NewTestContext(db)
	defer tc.Release()

	first, err := tc.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection failed: %v", err)
	}
	second, err := tc.Connection(ctx)
	if err != nil {
		t.Fatalf("Second Connection failed: %v", err)
	}
	if first != second {
		t.Error("Expected the context to hold one connection")
	}

	// With a pool of one, BeginTransaction must reuse the held
	// connection rather than deadlock on a second acquire.
	tx, err := tc.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}
