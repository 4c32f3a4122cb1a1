package db

import (
	"context"
	"path/filepath"
	"testing"
)

// OpenTestSQLite opens a migrated audit store in t.TempDir() and closes it when
// the test ends.
func OpenTestSQLite(t *testing.T) *Pool {
	t.Helper()

	pool, err := Open(filepath.Join(t.TempDir(), "audit.sqlite"), 2)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	if _, err := Migrate(context.Background(), pool.Write); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return pool
}
