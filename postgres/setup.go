package postgres

import (
	"context"
	"testing"

	"github.com/bashhack/testkit"
)

// Setup creates an isolated PostgreSQL test database and registers its
// teardown on t.Cleanup. The backend is built from the environment
// (POSTGRES_URL, TEST_DATABASE_URL, DATABASE_URL, then a localhost
// default).
//
// Calls t.Fatal on any error. Do NOT call Close on the returned database;
// cleanup is automatic.
//
// Example:
//
//	func TestUsers(t *testing.T) {
//	    db := postgres.Setup(t)
//	    conn, err := db.Connection(context.Background())
//	    ...
//	}
func Setup(t testing.TB, opts ...testkit.Option) *testkit.TestDatabase {
	t.Helper()

	ctx := context.Background()
	backend, err := NewBackend(ctx, testkit.SingleURLConfig(testkit.PostgresURL()))
	if err != nil {
		t.Fatalf("postgres.Setup: %v", err)
	}

	db, err := testkit.NewTestDatabase(ctx, backend, opts...)
	if err != nil {
		_ = backend.Close(ctx)
		t.Fatalf("postgres.Setup: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Teardown(context.Background()); err != nil {
			t.Logf("postgres.Setup: teardown: %v", err)
		}
		_ = backend.Close(context.Background())
	})

	return db
}
