package db

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	write := buildDSN("/tmp/audit.sqlite", true)
	assert.True(t, strings.HasPrefix(write, "/tmp/audit.sqlite?"))
	assert.Contains(t, write, "_journal_mode=WAL")
	assert.Contains(t, write, "_busy_timeout=5000")
	assert.Contains(t, write, "_synchronous=NORMAL")
	assert.Contains(t, write, "_txlock=immediate")

	read := buildDSN("/tmp/audit.sqlite", false)
	assert.Contains(t, read, "_journal_mode=WAL")
	assert.NotContains(t, read, "_txlock")
}

func TestOpen_PoolSizes(t *testing.T) {
	pool, err := Open(filepath.Join(t.TempDir(), "audit.sqlite"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	assert.Equal(t, 1, pool.Write.Stats().MaxOpenConnections)
	assert.Equal(t, defaultReadConns, pool.Read.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, pool.Read.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", strings.ToLower(journalMode))
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/audit.sqlite", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping sqlite (write)")
}

func TestMigrate_CreatesAuditRecords(t *testing.T) {
	pool, err := Open(filepath.Join(t.TempDir(), "audit.sqlite"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	version, err := Migrate(context.Background(), pool.Write)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// Idempotent.
	version, err = Migrate(context.Background(), pool.Write)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	var name string
	require.NoError(t, pool.Read.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'audit_records'").Scan(&name))
	assert.Equal(t, "audit_records", name)
}

func TestPool_WriterAndReadersShareFile(t *testing.T) {
	pool := OpenTestSQLite(t)

	for i := 0; i < 20; i++ {
		_, err := pool.Write.Exec(`INSERT INTO audit_records
			(session_id, kind, class, class_name, statement_id, substatement_id, line, logged_at)
			VALUES ('s', 'SESSION', 64, 'READ', ?, 1, 'AUDIT: SESSION', 0)`, i+1)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	counts := make([]int, 8)
	for i := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = pool.Read.QueryRow("SELECT count(*) FROM audit_records").Scan(&counts[idx])
		}(i)
	}
	wg.Wait()

	for i := range errs {
		assert.NoError(t, errs[i], "reader %d failed", i)
		assert.Equal(t, 20, counts[i])
	}
}
