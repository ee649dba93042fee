// Package store is the kernel's single source of truth: a SQLite-backed
// event log plus task, worker, cursor, and session state. One kernel
// process owns all writes; the write mutex serializes them, WAL keeps
// readers (status invocations, the follow view) unblocked.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // register "sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"  // embed the sqlite wasm binary

	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/pubsub"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite connection and provides typed access to the
// kernel's tables. All mutations go through the single writer.
type Store struct {
	conn    *sql.DB
	path    string
	writeMu sync.Mutex
	changes *pubsub.Broker[Change]
}

// Change describes a committed mutation, published for in-process
// subscribers (the loop wakes on event appends instead of waiting out
// its poll interval).
type Change struct {
	Entity string // "event", "task", "worker", "cursor", "session", "progress"
	ID     string
}

// Entities referenced by Change.Entity.
const (
	EntityEvent    = "event"
	EntityTask     = "task"
	EntityWorker   = "worker"
	EntityCursor   = "cursor"
	EntitySession  = "session"
	EntityProgress = "progress"
)

// Open opens (creating if needed) the store at path and migrates it to the
// current schema. Parent directories are created 0700. An existing file is
// copied to path+".bak" before migrations run, so a bad upgrade never eats
// the only copy of the log.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up store: %w", err)
		}
		log.Debug(log.CatDB, "Backed up existing store", "path", path+".bak")
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Store{
		conn:    conn,
		path:    path,
		changes: pubsub.NewBroker[Change](),
	}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info(log.CatDB, "Store open", "path", path)
	return s, nil
}

// OpenMemory opens an in-memory store for tests. The pool is pinned to a
// single connection; separate connections would each see their own empty
// memory database.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	s := &Store{
		conn:    conn,
		changes: pubsub.NewBroker[Change](),
	}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	drv, err := newMigrationDriver(s.conn)
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating store: %w", err)
	}
	return nil
}

// Connection exposes the underlying pool for read-only consumers and tests.
func (s *Store) Connection() *sql.DB {
	return s.conn
}

// Path returns the store file path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Changes subscribes to committed-mutation notifications. The subscription
// is dropped when ctx is cancelled.
func (s *Store) Changes() *pubsub.Broker[Change] {
	return s.changes
}

// Close closes the broker and the connection pool.
func (s *Store) Close() error {
	s.changes.Close()
	return s.conn.Close()
}

func (s *Store) publish(entity, id string) {
	s.changes.Publish(Change{Entity: entity, ID: id})
}

// withWriteTx runs fn inside the single serialized write transaction.
func (s *Store) withWriteTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning write: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing write: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: src is the store path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
