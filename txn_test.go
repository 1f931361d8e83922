package testkit

import (
	"context"
	"errors"
	"testing"
)

// The value combinators never touch the database, so an empty context is
// enough to execute them.
func emptyContext() *TestContext {
	return &TestContext{}
}

func TestOk(t *testing.T) {
	item, err := Ok(42).Execute(context.Background(), emptyContext())
	if err != nil {
		t.Fatalf("Ok failed: %v", err)
	}
	if item != 42 {
		t.Errorf("Expected 42, got %d", item)
	}
}

func TestErrCombinator(t *testing.T) {
	boom := errors.New("boom")
	_, err := Err[int](boom).Execute(context.Background(), emptyContext())
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestResult(t *testing.T) {
	item, err := Result("ok", nil).Execute(context.Background(), emptyContext())
	if err != nil || item != "ok" {
		t.Errorf("Expected (ok, nil), got (%q, %v)", item, err)
	}

	boom := errors.New("boom")
	_, err = Result("", boom).Execute(context.Background(), emptyContext())
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestWithContext(t *testing.T) {
	tc := emptyContext()
	got, err := WithContext(func(ctx context.Context, inner *TestContext) (string, error) {
		if inner != tc {
			t.Error("Expected the executing context to be passed through")
		}
		return "ran", nil
	}).Execute(context.Background(), tc)
	if err != nil || got != "ran" {
		t.Errorf("Expected (ran, nil), got (%q, %v)", got, err)
	}
}

func TestAndThenLeftIdentity(t *testing.T) {
	// and_then(ok(x), f) ≡ f(x)
	f := func(x int) Txn[int] { return Ok(x * 2) }

	left, lerr := AndThen(Ok(21), f).Execute(context.Background(), emptyContext())
	right, rerr := f(21).Execute(context.Background(), emptyContext())
	if lerr != nil || rerr != nil {
		t.Fatalf("Unexpected errors: %v %v", lerr, rerr)
	}
	if left != right {
		t.Errorf("Left identity violated: %d != %d", left, right)
	}
}

func TestAndThenRightIdentity(t *testing.T) {
	// and_then(t, ok) ≡ t
	txn := Ok("payload")

	left, lerr := AndThen(txn, func(s string) Txn[string] { return Ok(s) }).
		Execute(context.Background(), emptyContext())
	right, rerr := txn.Execute(context.Background(), emptyContext())
	if lerr != nil || rerr != nil {
		t.Fatalf("Unexpected errors: %v %v", lerr, rerr)
	}
	if left != right {
		t.Errorf("Right identity violated: %q != %q", left, right)
	}
}

func TestAndThenShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	called := false

	_, err := AndThen(Err[int](boom), func(int) Txn[int] {
		called = true
		return Ok(0)
	}).Execute(context.Background(), emptyContext())

	if !errors.Is(err, boom) {
		t.Errorf("Expected boom to propagate, got %v", err)
	}
	if called {
		t.Error("Expected continuation to not run on failure")
	}
}

func TestThenObservesFailure(t *testing.T) {
	boom := errors.New("boom")

	got, err := Then(Err[int](boom), func(item int, err error) Txn[string] {
		if !errors.Is(err, boom) {
			t.Errorf("Expected the continuation to see boom, got %v", err)
		}
		return Ok("recovered")
	}).Execute(context.Background(), emptyContext())

	if err != nil || got != "recovered" {
		t.Errorf("Expected (recovered, nil), got (%q, %v)", got, err)
	}
}

func TestThenObservesSuccess(t *testing.T) {
	got, err := Then(Ok(7), func(item int, err error) Txn[int] {
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		return Ok(item + 1)
	}).Execute(context.Background(), emptyContext())

	if err != nil || got != 8 {
		t.Errorf("Expected (8, nil), got (%d, %v)", got, err)
	}
}

func TestOrElseSkipsOnSuccess(t *testing.T) {
	// or_else(ok(x), _) ≡ ok(x)
	called := false
	got, err := OrElse(Ok("fine"), func(error) Txn[string] {
		called = true
		return Ok("fallback")
	}).Execute(context.Background(), emptyContext())

	if err != nil || got != "fine" {
		t.Errorf("Expected (fine, nil), got (%q, %v)", got, err)
	}
	if called {
		t.Error("Expected fallback to not run on success")
	}
}

func TestOrElseRecoversOnFailure(t *testing.T) {
	// or_else(err(e), f) ≡ f(e)
	boom := errors.New("boom")
	got, err := OrElse(Err[string](boom), func(e error) Txn[string] {
		if !errors.Is(e, boom) {
			t.Errorf("Expected fallback to see boom, got %v", e)
		}
		return Ok("fallback")
	}).Execute(context.Background(), emptyContext())

	if err != nil || got != "fallback" {
		t.Errorf("Expected (fallback, nil), got (%q, %v)", got, err)
	}
}

func TestSetupIsThen(t *testing.T) {
	got, err := Setup(Ok(1), func(item int, err error) Txn[int] {
		return Ok(item + 10)
	}).Execute(context.Background(), emptyContext())

	if err != nil || got != 11 {
		t.Errorf("Expected (11, nil), got (%d, %v)", got, err)
	}
}

func TestCombinatorsAreDeferred(t *testing.T) {
	ran := false
	txn := WithContext(func(ctx context.Context, tc *TestContext) (int, error) {
		ran = true
		return 1, nil
	})
	chained := AndThen(txn, func(x int) Txn[int] { return Ok(x) })

	if ran {
		t.Fatal("Building combinators must not execute them")
	}
	if _, err := chained.Execute(context.Background(), emptyContext()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !ran {
		t.Fatal("Execute did not run the deferred work")
	}
}

func TestCombinatorsAgainstDatabase(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	db, err := NewTestDatabase(ctx, backend)
	if err != nil {
		t.Fatalf("NewTestDatabase failed: %v", err)
	}
	defer func() { _ = db.Teardown(ctx) }()

	tc := NewTestContext(db)
	defer tc.Release()

	create := WithContext(func(ctx context.Context, tc *TestContext) (int64, error) {
		conn, err := tc.Connection(ctx)
		if err != nil {
			return 0, err
		}
		return conn.Execute(ctx, "CREATE TABLE t (i INT)")
	})
	insert := func(int64) Txn[int64] {
		return WithContext(func(ctx context.Context, tc *TestContext) (int64, error) {
			conn, err := tc.Connection(ctx)
			if err != nil {
				return 0, err
			}
			return conn.Execute(ctx, "INSERT INTO t VALUES (1)")
		})
	}

	if _, err := AndThen(create, insert).Execute(ctx, tc); err != nil {
		t.Fatalf("Composite execution failed: %v", err)
	}

	stmts := backend.committed(db.Name())
	if len(stmts) != 2 {
		t.Fatalf("Expected 2 committed statements, got %v", stmts)
	}
}
