package mysql

import (
	"context"
	"testing"

	"github.com/bashhack/testkit"
)

// Setup creates an isolated MySQL test database and registers its
// teardown on t.Cleanup. The backend is built from the environment
// (MYSQL_URL, TEST_DATABASE_URL, DATABASE_URL, then a localhost
// default).
//
// Calls t.Fatal on any error. Do NOT call Close on the returned database;
// cleanup is automatic.
func Setup(t testing.TB, opts ...testkit.Option) *testkit.TestDatabase {
	t.Helper()

	ctx := context.Background()
	backend, err := NewBackend(ctx, testkit.SingleURLConfig(testkit.MySQLURL()))
	if err != nil {
		t.Fatalf("mysql.Setup: %v", err)
	}

	db, err := testkit.NewTestDatabase(ctx, backend, opts...)
	if err != nil {
		_ = backend.Close(ctx)
		t.Fatalf("mysql.Setup: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Teardown(context.Background()); err != nil {
			t.Logf("mysql.Setup: teardown: %v", err)
		}
		_ = backend.Close(context.Background())
	})

	return db
}
