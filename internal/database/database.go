// Package database implements the persistent store for rooms, users, server
// registrations and room membership.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx. Store
// methods run against it so a handler can execute all of its reads and writes
// inside one transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Stores bundles the typed entity stores bound to one Querier.
type Stores struct {
	Users       *UserStore
	Rooms       *RoomStore
	Memberships *MembershipStore
	Servers     *ServerStore
	ServerUsers *ServerUserStore
}

// Database wraps the SQL connection pool and provides the typed stores plus
// per-handler transactions.
type Database struct {
	db     *sql.DB
	driver string

	*Stores
}

// DriverForURL derives the sql driver and data source name from the
// configured database_url. postgres:// URLs use lib/pq; anything else is
// treated as a SQLite file path for single-host deployments.
func DriverForURL(databaseURL string) (driver, dsn string) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres", databaseURL
	}
	return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://")
}

// New opens a connection pool for the given database_url.
func New(databaseURL string, maxOpen, maxIdle int) (*Database, error) {
	driver, dsn := DriverForURL(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewWithDB(db, driver), nil
}

// NewWithDB wraps an already-open connection. Used by New and by tests.
func NewWithDB(db *sql.DB, driver string) *Database {
	return &Database{
		db:     db,
		driver: driver,
		Stores: newStores(db, driver),
	}
}

func newStores(q Querier, driver string) *Stores {
	s := store{q: q, driver: driver}
	return &Stores{
		Users:       &UserStore{store: s},
		Rooms:       &RoomStore{store: s},
		Memberships: &MembershipStore{store: s},
		Servers:     &ServerStore{store: s},
		ServerUsers: &ServerUserStore{store: s},
	}
}

// InTransaction runs fn with stores bound to a single transaction. The
// transaction is rolled back when fn returns an error and committed
// otherwise.
func (d *Database) InTransaction(ctx context.Context, fn func(*Stores) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(newStores(tx, d.driver)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RunMigrations executes all pending database migrations.
func (d *Database) RunMigrations(ctx context.Context) error {
	// Create migrations tracking table
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	// Read and apply migrations
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil {
			continue
		}

		if version <= currentVersion {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}

		insert := rebind(d.driver, "INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)")
		if _, err := tx.ExecContext(ctx, insert, version, nowMillis()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage.
func (d *Database) DB() *sql.DB {
	return d.db
}

// store carries the execution target and driver shared by all entity stores.
type store struct {
	q      Querier
	driver string
}

func (s store) rebind(query string) string {
	return rebind(s.driver, query)
}

// rebind rewrites $N placeholders to ?N for the sqlite driver. Queries are
// authored with the postgres form.
func rebind(driver, query string) string {
	if driver != "sqlite" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			sb.WriteByte('?')
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// IsUniqueViolation reports whether err is a primary-key or unique-index
// violation on either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// NullString wraps a value as a valid sql.NullString. The empty string is a
// value, not NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

// nowMillis returns the current time in epoch milliseconds. Stubbed in tests.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
