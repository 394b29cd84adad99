// Package db provides durable persistence for apex.
//
// A single project database (.apex/apex.db) holds tasks, logs, artifacts,
// checkpoints, idle tasks, and thoughts. SQLite is the default engine;
// PostgreSQL is available through the same driver abstraction.
package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/randalmurphal/apex/internal/db/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// DB wraps a database connection with driver abstraction.
// All mutations serialize through mu; reads go straight to the driver.
type DB struct {
	driver driver.Driver
	path   string
	mu     sync.Mutex
}

// Open opens a SQLite database at the given path, creating the parent
// directory if needed, and applies pending migrations.
func Open(path string) (*DB, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite database. Each call creates a new
// isolated database; intended for tests.
func OpenInMemory() (*DB, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	d := &DB{driver: drv, path: ":memory:"}
	if err := d.Initialize(context.Background()); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return d, nil
}

// OpenWithDialect opens a database with a specific dialect and applies
// pending migrations.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	if dialect == driver.DialectSQLite {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	d := &DB{driver: drv, path: dsn}
	if err := d.Initialize(context.Background()); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return d, nil
}

// Initialize applies pending schema migrations.
func (d *DB) Initialize(ctx context.Context) error {
	if err := d.driver.Migrate(ctx, &embedFSAdapter{fs: schemaFS}, "project"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// Path returns the database path or DSN.
func (d *DB) Path() string {
	return d.path
}

// Dialect returns the active database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}
