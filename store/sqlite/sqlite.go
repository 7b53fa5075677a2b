/*
Package sqlite provides a SQLite-backed finance.Store.

PURPOSE:
  Opens a mattn/go-sqlite3 database, applies the embedded migrations and
  hands the connection to the shared sqldb.Store. Each tenant gets its
  own database file.

CONCURRENCY:
  The pool is limited to one connection and every transaction begins
  with BEGIN IMMEDIATE (_txlock=immediate), so a WithTx callback holds
  the database write lock from its first statement. Two applies touching
  the same budget therefore serialize, which is what LockBudget promises.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/diku.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := finance.NewEngine(finance.SingleTenant(store))

MIGRATION:
  golang-migrate runs migrations/*.sql on New(), on a separate
  connection.

SEE ALSO:
  - store/sqldb: the queries
  - store/postgres: PostgreSQL variant
  - finance/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/finance-engine/finance"
	"github.com/warp/finance-engine/finance/store"
	"github.com/warp/finance-engine/store/sqldb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a sqldb.Store over SQLite.
type Store struct {
	*sqldb.Store
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for a private in-memory database.
func New(dbPath string) (*Store, error) {
	source := dsn(dbPath)
	db, err := sql.Open("sqlite3", source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	// The pool's connection keeps a shared in-memory database alive while
	// the migration connection comes and goes.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := RunMigrations(source); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{Store: sqldb.New(db, Dialect())}, nil
}

func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on&_txlock=immediate"
	}
	return dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
}

// RunMigrations applies the embedded schema to the database at dsn.
func RunMigrations(dsn string) error {
	// Separate connection: the migrate driver closes its database.
	migrateDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer migrateDB.Close()

	driver, err := migratesqlite.WithInstance(migrateDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Dialect describes SQLite to sqldb.
func Dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name:     "sqlite",
		Classify: classify,
	}
}

func classify(err error) (sqldb.Kind, string) {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return sqldb.KindOther, ""
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return sqldb.KindUnique, ""
	case sqlite3.ErrConstraintForeignKey:
		return sqldb.KindForeignKey, ""
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
		return sqldb.KindConnectivity, ""
	}
	return sqldb.KindOther, ""
}

// =============================================================================
// TENANTS
// =============================================================================

// NewProvider opens one database file per tenant under dir. With dir set
// to ":memory:" every tenant gets a private in-memory database.
func NewProvider(dir string) (*store.Registry, error) {
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return store.NewRegistry(func(_ context.Context, tenant finance.TenantID) (finance.Store, error) {
		if dir == ":memory:" {
			return New(dir)
		}
		return New(filepath.Join(dir, string(tenant)+".db"))
	}), nil
}
