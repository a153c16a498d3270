// Package persistence stores job snapshots and orchestrator runs in SQLite
// (modernc, pure Go) or PostgreSQL (pgx) through sqlx.
package persistence

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"issueagent/pkg/logx"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config selects the backing database.
type Config struct {
	Driver string `yaml:"driver" json:"driver" validate:"omitempty,oneof=sqlite pgx"`
	// DSN is a file path for SQLite or a connection URL for PostgreSQL.
	DSN string `yaml:"dsn" json:"dsn"`
}

// DB is an open, migrated database.
type DB struct {
	db     *sqlx.DB
	driver string
	logger *logx.Logger
}

// Open connects, pings and migrates the database. An empty driver is
// inferred from the DSN: postgres:// URLs use pgx, anything else SQLite.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
		if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
			driver = DriverPostgres
		}
	}

	dsn := cfg.DSN
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite database path is required")
		}
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite only supports one writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	d := &DB{db: db, driver: driver, logger: logx.NewLogger("persistence")}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.logger.Info("📦 Database initialized (%s)", driver)
	return d, nil
}

// Driver returns the driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// q rebinds ? placeholders for the active driver.
func (d *DB) q(query string) string {
	return d.db.Rebind(query)
}
