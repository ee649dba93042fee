package watch_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/aio/internal/watch"
)

// startWatcher creates a db file at dbPath, starts a watcher over it with a
// short debounce, and returns the notification channel. Cleanup stops the
// watcher.
func startWatcher(t *testing.T, dbPath string) <-chan struct{} {
	t.Helper()

	require.NoError(t, os.WriteFile(dbPath, []byte("seed"), 0o644), "failed to seed db file")

	w, err := watch.New(watch.Config{
		DBPath:      dbPath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")
	return onChange
}

func TestWatcher_CoalescesCommitBursts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	onChange := startWatcher(t, dbPath)

	// A burst of commits lands as many fs events inside one debounce window.
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(dbPath, []byte(fmt.Sprintf("commit %d", i)), 0o644),
			"failed to write db file")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected one notification for the burst")
	}

	select {
	case <-onChange:
		t.Fatal("burst should coalesce into a single notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_OnlyConfiguredBasenameNotifies(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")

	// Siblings in the same directory: a log file and a db with another name.
	logPath := filepath.Join(dir, "kernel.log")
	otherDB := filepath.Join(dir, "scratch.db")
	require.NoError(t, os.WriteFile(logPath, []byte("log"), 0o644), "failed to seed log file")
	require.NoError(t, os.WriteFile(otherDB, []byte("db"), 0o644), "failed to seed sibling db")

	onChange := startWatcher(t, dbPath)

	require.NoError(t, os.WriteFile(logPath, []byte("log line"), 0o644), "failed to write log file")
	require.NoError(t, os.WriteFile(otherDB, []byte("other"), 0o644), "failed to write sibling db")

	select {
	case <-onChange:
		t.Fatal("writes to sibling files must not notify")
	case <-time.After(100 * time.Millisecond):
	}

	// A write to the watched db itself still comes through.
	require.NoError(t, os.WriteFile(dbPath, []byte("commit"), 0o644), "failed to write db file")
	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for the watched db")
	}
}

func TestWatcher_WALWriteNotifies(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")
	onChange := startWatcher(t, dbPath)

	// Under WAL journaling commits often touch only the -wal file.
	walPath := filepath.Join(dir, "store.db-wal")
	require.NoError(t, os.WriteFile(walPath, []byte("frames"), 0o644), "failed to write wal file")

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for a wal write")
	}
}

func TestWatcher_StopDoesNotHang(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("seed"), 0o644), "failed to seed db file")

	w, err := watch.New(watch.Config{
		DBPath:      dbPath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Stop(), "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := watch.DefaultConfig("/srv/.aio/store.db")

	assert.Equal(t, "/srv/.aio/store.db", cfg.DBPath)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceDur)
}
