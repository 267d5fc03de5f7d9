// Package store is the persistence layer: nine collections (in PostgreSQL
// terms, tables) holding the system's durable state, addressed through a
// thin document-style CRUD surface rather than a generated ORM client.
// Each table has one column per field; list- and map-valued fields (tags,
// meta, event data, task body/env/triggers and the like) are jsonb columns.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for golang-migrate
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned by single-row lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint or a conditional update's
// precondition fails — duplicate application name, finishing an
// already-terminal sequence, and similar cases.
var ErrConflict = errors.New("store: conflict")

// Config holds connection and pool settings. Mirrors the shape of
// config.DatabaseConfig, which is loaded from hubd.yaml.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SearchPath, if set, is sent as the connection's search_path — tests use
	// this to isolate each run in its own schema on a shared container.
	SearchPath string

	// RawDSN, if set, is used verbatim instead of the discrete fields above.
	// Tests use this to point at a testcontainer's connection string.
	RawDSN string
}

func (c Config) dsn() string {
	if c.RawDSN != "" {
		if c.SearchPath != "" {
			sep := "?"
			if strings.Contains(c.RawDSN, "?") {
				sep = "&"
			}
			return fmt.Sprintf("%s%ssearch_path=%s", c.RawDSN, sep, c.SearchPath)
		}
		return c.RawDSN
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
	if c.SearchPath != "" {
		dsn += " search_path=" + c.SearchPath
	}
	return dsn
}

// Store wraps a pgx connection pool used for all application queries. A
// separate database/sql handle is opened transiently during Open to drive
// golang-migrate, then closed — pgxpool is the only long-lived handle.
type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to PostgreSQL, applies pending migrations, and returns a
// Store backed by a connection pool sized per cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("store: parse pool config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{Pool: pool}, nil
}

// runMigrations applies embedded migrations using a short-lived
// database/sql connection, independent of the pgxpool used for the rest of
// the Store's lifetime.
func runMigrations(cfg Config) error {
	db, err := stdsql.Open("pgx", cfg.dsn())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: cfg.SearchPath})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer sourceDriver.Close()

	dbName := cfg.Database
	if dbName == "" {
		dbName = "hubd"
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping bounds a liveness probe to 500ms, matching the backplane's health
// budget so a combined readiness check never waits on the slower of the two.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}
