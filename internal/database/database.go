// Package database persists the shops catalog and appointments with sqlx over
// SQLite (default) or Postgres (pgx stdlib driver).
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSlotTaken is returned when an appointment overlaps a blocking one.
	ErrSlotTaken = errors.New("slot already taken")
	// ErrStaleVersion is returned when an update carries an outdated version.
	ErrStaleVersion = errors.New("appointment was modified concurrently")
)

// DB wraps sqlx.DB for the engine.
type DB struct {
	*sqlx.DB
	driver string
	loc    *time.Location
	logger *zerolog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLocation sets the zone returned times are converted to.
func WithLocation(loc *time.Location) Option {
	return func(db *DB) {
		if loc != nil {
			db.loc = loc
		}
	}
}

// Open connects with the given driver and runs migrations.
func Open(ctx context.Context, driver, dsn string, logger *zerolog.Logger, opts ...Option) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; SQLite would answer "database is locked" otherwise.
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{DB: conn, driver: driver, loc: time.UTC, logger: logger}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Driver returns the driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

func (db *DB) timestampType() string {
	if db.driver == DriverPostgres {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

func (db *DB) migrate(ctx context.Context) error {
	ts := db.timestampType()
	queries := []string{
		`CREATE TABLE IF NOT EXISTS shops (
            tenant_id TEXT NOT NULL,
            id TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            active BOOLEAN NOT NULL DEFAULT TRUE,
            updated_at ` + ts + ` NOT NULL,
            PRIMARY KEY (tenant_id, id)
        )`,

		`CREATE TABLE IF NOT EXISTS shop_hours (
            tenant_id TEXT NOT NULL,
            shop_id TEXT NOT NULL,
            weekday INTEGER NOT NULL,
            open_time TEXT NOT NULL DEFAULT '',
            close_time TEXT NOT NULL DEFAULT '',
            closed BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY (tenant_id, shop_id, weekday)
        )`,

		`CREATE TABLE IF NOT EXISTS employees (
            tenant_id TEXT NOT NULL,
            id TEXT NOT NULL,
            shop_id TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            position INTEGER NOT NULL DEFAULT 0,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            updated_at ` + ts + ` NOT NULL,
            PRIMARY KEY (tenant_id, id)
        )`,

		`CREATE TABLE IF NOT EXISTS employee_hours (
            tenant_id TEXT NOT NULL,
            employee_id TEXT NOT NULL,
            weekday INTEGER NOT NULL,
            open_time TEXT NOT NULL DEFAULT '',
            close_time TEXT NOT NULL DEFAULT '',
            closed BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY (tenant_id, employee_id, weekday)
        )`,

		`CREATE TABLE IF NOT EXISTS services (
            tenant_id TEXT NOT NULL,
            id TEXT NOT NULL,
            shop_id TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            duration_minutes INTEGER NOT NULL,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            updated_at ` + ts + ` NOT NULL,
            PRIMARY KEY (tenant_id, shop_id, id)
        )`,

		`CREATE TABLE IF NOT EXISTS appointments (
            id TEXT PRIMARY KEY,
            tenant_id TEXT NOT NULL,
            shop_id TEXT NOT NULL,
            employee_id TEXT NOT NULL,
            service_id TEXT NOT NULL DEFAULT '',
            customer_name TEXT NOT NULL DEFAULT '',
            start_at ` + ts + ` NOT NULL,
            end_at ` + ts + ` NOT NULL,
            status TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            created_at ` + ts + ` NOT NULL,
            updated_at ` + ts + ` NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_employees_shop ON employees(tenant_id, shop_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_services_shop ON services(tenant_id, shop_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_employee_times ON appointments(tenant_id, employee_id, start_at, end_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_status ON appointments(status)`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// utc normalizes times before they reach the database.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func (db *DB) local(t time.Time) time.Time {
	return t.In(db.loc)
}
