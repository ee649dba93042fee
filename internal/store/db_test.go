package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory store closed when the test completes.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err, "OpenMemory should succeed")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestOpen_CreatesDirectory verifies that Open creates the parent directory if missing.
func TestOpen_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, ".aio", "nested", "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed even with nested non-existent directories")
	defer s.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Directory should exist after Open")
	require.True(t, info.IsDir(), "Should be a directory")

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

// TestOpen_CreatesDatabaseFile verifies that Open creates the store file on first run.
func TestOpen_CreatesDatabaseFile(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed")
	defer s.Close()

	info, err := os.Stat(dbPath)
	require.NoError(t, err, "Store file should exist after Open")
	require.False(t, info.IsDir(), "Should be a file, not a directory")
	require.Equal(t, dbPath, s.Path())
}

// TestOpen_RunsMigrations verifies that Open migrates the schema.
func TestOpen_RunsMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed")
	defer s.Close()

	for _, table := range []string{"events", "tasks", "workers", "cursors", "sessions", "progress_log"} {
		var name string
		err = s.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "%s table should exist after migrations", table)
		require.Equal(t, table, name)
	}
}

// TestOpen_PreMigrationBackup verifies that a .bak file is created before
// migrations when an existing store file is present.
func TestOpen_PreMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s1, err := Open(dbPath)
	require.NoError(t, err, "First Open should succeed")

	_, err = s1.CreateTask(Task{ID: "task-1", Description: "seed data"})
	require.NoError(t, err, "Should be able to insert test data")
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err, "Second Open should succeed")
	defer s2.Close()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "Backup file should exist after second Open")
	require.False(t, info.IsDir(), "Backup should be a file")
	require.Greater(t, info.Size(), int64(0), "Backup file should have content")
}

// TestOpen_WALMode verifies that WAL mode is enabled via PRAGMA query.
func TestOpen_WALMode(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed")
	defer s.Close()

	var journalMode string
	err = s.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err, "Should be able to query journal_mode")
	require.Equal(t, "wal", journalMode, "Journal mode should be WAL")
}

// TestOpen_ForeignKeys verifies that foreign keys are enabled via PRAGMA query.
func TestOpen_ForeignKeys(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed")
	defer s.Close()

	var foreignKeys int
	err = s.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err, "Should be able to query foreign_keys")
	require.Equal(t, 1, foreignKeys, "Foreign keys should be enabled (1)")
}

// TestOpen_BusyTimeout verifies that busy timeout is set to 5000ms via PRAGMA query.
func TestOpen_BusyTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed")
	defer s.Close()

	var busyTimeout int
	err = s.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
	require.NoError(t, err, "Should be able to query busy_timeout")
	require.Equal(t, 5000, busyTimeout, "Busy timeout should be 5000ms")
}

// TestStore_Close verifies that the connection closes cleanly.
func TestStore_Close(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed")

	err = s.Close()
	require.NoError(t, err, "Close should succeed")

	err = s.conn.Ping()
	require.Error(t, err, "Ping should fail after Close")
}

// TestStore_Connection verifies that Connection returns the underlying *sql.DB.
func TestStore_Connection(t *testing.T) {
	s := newTestStore(t)

	conn := s.Connection()
	require.NotNil(t, conn, "Connection should not return nil")
	require.IsType(t, (*sql.DB)(nil), conn, "Connection should return *sql.DB")

	err := conn.Ping()
	require.NoError(t, err, "Connection should be pingable")
}

// TestOpen_MultipleCalls verifies that opening the same store twice is safe.
func TestOpen_MultipleCalls(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "store.db")

	s1, err := Open(dbPath)
	require.NoError(t, err, "First Open should succeed")
	defer s1.Close()

	s2, err := Open(dbPath)
	require.NoError(t, err, "Second Open should succeed (WAL mode allows concurrent access)")
	defer s2.Close()

	err = s1.conn.Ping()
	require.NoError(t, err, "First connection should still work")

	err = s2.conn.Ping()
	require.NoError(t, err, "Second connection should work")

	var count1, count2 int
	err = s1.conn.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count1)
	require.NoError(t, err, "First connection should be able to query")

	err = s2.conn.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count2)
	require.NoError(t, err, "Second connection should be able to query")
}

// TestOpen_InvalidPath verifies that Open returns an error when the parent
// path cannot be created.
func TestOpen_InvalidPath(t *testing.T) {
	tmpDir := t.TempDir()
	blocker := filepath.Join(tmpDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	// Parent is a file, so MkdirAll must fail
	_, err := Open(filepath.Join(blocker, "nested", "store.db"))
	require.Error(t, err, "Open should fail when a parent path component is a file")
}

// TestStore_Changes verifies that committed writes are published to
// subscribers.
func TestStore_Changes(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Changes().Subscribe(ctx)

	_, err := s.CreateTask(Task{ID: "task-1", Description: "notify me"})
	require.NoError(t, err)

	select {
	case change := <-sub:
		require.Equal(t, EntityTask, change.Payload.Entity)
		require.Equal(t, "task-1", change.Payload.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification after CreateTask")
	}
}
