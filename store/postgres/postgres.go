/*
Package postgres provides a PostgreSQL-backed finance.Store.

PURPOSE:
  Opens a pgx connection pool through database/sql, applies the embedded
  migrations and hands the pool to the shared sqldb.Store.

TENANCY:
  One schema per tenant. NewProvider creates the schema on first use and
  opens a pool whose search_path points at it, so the queries never name
  a schema.

LOCKING:
  Budget and summary reads inside an apply use SELECT ... FOR UPDATE.
  The applier locks budgets in (fund, fiscal year) order, so two batches
  over the same budgets cannot deadlock each other.

SEE ALSO:
  - store/sqldb: the queries
  - store/sqlite: embedded variant
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/finance-engine/finance"
	"github.com/warp/finance-engine/finance/store"
	"github.com/warp/finance-engine/store/sqldb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a sqldb.Store over PostgreSQL.
type Store struct {
	*sqldb.Store
}

// PoolConfig sizes the connection pool of each tenant.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New connects to dsn, migrates the schema the connection's search_path
// selects and returns the store.
func New(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &finance.StorageError{Op: "connect", Err: err}
	}
	if err := RunMigrations(db, schemaOf(dsn)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{Store: sqldb.New(db, Dialect())}, nil
}

// RunMigrations applies the embedded schema into schema.
func RunMigrations(db *sql.DB, schema string) error {
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{
		SchemaName:      schema,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("create postgres driver instance: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Dialect describes PostgreSQL to sqldb.
func Dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name:        "postgres",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		LockClause:  " FOR UPDATE",
		Classify:    classify,
	}
}

func classify(err error) (sqldb.Kind, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return sqldb.KindUnique, pgErr.ConstraintName
		case pgErr.Code == "23503":
			return sqldb.KindForeignKey, pgErr.ConstraintName
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57014", // query_canceled
			pgErr.Code == "57P01": // admin_shutdown
			return sqldb.KindConnectivity, ""
		}
		return sqldb.KindOther, pgErr.ConstraintName
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return sqldb.KindConnectivity, ""
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return sqldb.KindConnectivity, ""
	}
	return sqldb.KindOther, ""
}

// =============================================================================
// TENANTS
// =============================================================================

// NewProvider serves one schema per tenant from the database at dsn.
func NewProvider(dsn string, pool PoolConfig) *store.Registry {
	return store.NewRegistry(func(ctx context.Context, tenant finance.TenantID) (finance.Store, error) {
		schema := SchemaName(tenant)
		if err := ensureSchema(ctx, dsn, schema); err != nil {
			return nil, err
		}
		tenantDSN, err := withSearchPath(dsn, schema)
		if err != nil {
			return nil, err
		}
		s, err := New(ctx, tenantDSN, pool)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// SchemaName is the schema holding a tenant's tables. Tenant ids are
// validated by the registry before they get here.
func SchemaName(tenant finance.TenantID) string {
	return string(tenant) + "_mod_finance_storage"
}

func ensureSchema(ctx context.Context, dsn, schema string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS "`+schema+`"`); err != nil {
		return &finance.StorageError{Op: "create schema " + schema, Err: err}
	}
	return nil
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// schemaOf reads search_path back out of a URL dsn.
func schemaOf(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "public"
	}
	if schema := u.Query().Get("search_path"); schema != "" {
		return schema
	}
	return "public"
}
