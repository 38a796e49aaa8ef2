// Package database provides PostgreSQL database client and migration utilities.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Schema, when set, scopes every connection's search_path (and the
	// migration tracking table) to a dedicated Postgres schema instead
	// of the default "public". Used by tests to run multiple isolated
	// schemas against one shared container.
	Schema string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the truth store's raw connection pool. Earlier builds of
// this package carried an ORM-generated client alongside it; that layer
// required a codegen step out of scope for this module, so pkg/truthstore
// is hand-written against this pool directly rather than through a generated ORM client.
type Client struct {
	db *sql.DB
}

// DB returns the underlying database connection for health checks and
// direct queries.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an already-open *sql.DB (useful for testing).
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// NewClient creates a new database client with connection pooling and
// runs pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	if cfg.Schema != "" {
		dsn += " search_path=" + cfg.Schema
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// runMigrations applies pending schema migrations using golang-migrate
// against the embedded migration files, then creates the JSONB GIN
// indexes on metadata_events.payload and ui_events.upsert (see
// CreateGINIndexes).
//
// Migration workflow:
//  1. Add a new pair of migrations/NNNNNN_name.{up,down}.sql files
//  2. Files embed into the binary at compile time (go:embed)
//  3. App applies pending migrations on startup (this function)
func runMigrations(ctx context.Context, db *sql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: cfg.Schema})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which would close
	// the shared *sql.DB passed via postgres.WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	if err := CreateGINIndexes(ctx, db); err != nil {
		return fmt.Errorf("failed to create GIN indexes: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
