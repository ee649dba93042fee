package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4/database"
)

// migrationDriver adapts our ncruces-backed *sql.DB to golang-migrate's
// database.Driver. The stock sqlite drivers in golang-migrate pull in their
// own cgo/transpiled sqlite; this one reuses the connection we already have.
type migrationDriver struct {
	db       *sql.DB
	isLocked atomic.Bool
}

const versionTable = "schema_migrations"

func newMigrationDriver(db *sql.DB) (database.Driver, error) {
	d := &migrationDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *migrationDriver) ensureVersionTable() error {
	query := `CREATE TABLE IF NOT EXISTS ` + versionTable + ` (version INTEGER, dirty BOOLEAN)`
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("creating %s: %w", versionTable, err)
	}
	return nil
}

// Open is required by the interface but unused: the driver is always
// constructed with an existing connection via NewWithInstance.
func (d *migrationDriver) Open(string) (database.Driver, error) {
	return d, nil
}

func (d *migrationDriver) Close() error {
	// The Store owns the connection.
	return nil
}

func (d *migrationDriver) Lock() error {
	if !d.isLocked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (d *migrationDriver) Unlock() error {
	if !d.isLocked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

func (d *migrationDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *migrationDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning version update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ` + versionTable); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clearing version: %w", err)
	}
	// Like the upstream sqlite drivers, an empty state is representable:
	// migrate calls SetVersion(-1, false) when fully rolled back.
	if version >= 0 || (version == database.NilVersion && dirty) {
		if _, err := tx.Exec(`INSERT INTO `+versionTable+` (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing version update: %w", err)
	}
	return nil
}

func (d *migrationDriver) Version() (int, bool, error) {
	var (
		version int
		dirty   bool
	)
	err := d.db.QueryRow(`SELECT version, dirty FROM ` + versionTable + ` LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("reading version: %w", err)
	default:
		return version, dirty, nil
	}
}

func (d *migrationDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterating tables: %w", err)
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE ` + table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return nil
}
