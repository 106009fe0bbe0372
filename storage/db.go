// Package storage is the Postgres persistence layer shared by every job:
// schema bootstrap, the COALESCE batched address upsert, token and price
// tables, the excluded-blocks set and the advisory-lock primitive.
package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ethereum/go-ethereum/log"
)

const (
	defaultMaxOpenConns = 20
	defaultMaxIdleConns = 5
	defaultConnLifetime = 30 * time.Minute

	// DefaultUpsertChunk balances statement latency against the lock
	// window of the upsert; MaxUpsertChunk is the hard cap.
	DefaultUpsertChunk = 250
	MaxUpsertChunk     = 1000
)

// ConnectionParams holds the Postgres connection settings, read from the
// standard PG* environment variables.
type ConnectionParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ParamsFromEnv reads PGHOST, PGPORT, PGDATABASE, PGUSER and PGPASSWORD,
// with localhost defaults suitable for development.
func ParamsFromEnv() ConnectionParams {
	p := ConnectionParams{
		Host:     envOr("PGHOST", "localhost"),
		Port:     5432,
		Database: envOr("PGDATABASE", "chainscan"),
		User:     envOr("PGUSER", "postgres"),
		Password: os.Getenv("PGPASSWORD"),
	}
	if port, err := strconv.Atoi(os.Getenv("PGPORT")); err == nil && port > 0 {
		p.Port = port
	}
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ConnectionString renders the params as a libpq URI.
func (p ConnectionParams) ConnectionString() string {
	if p.Password != "" {
		return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
			p.User, p.Password, p.Host, p.Port, p.Database)
	}
	return fmt.Sprintf("postgresql://%s@%s:%d/%s?sslmode=disable", p.User, p.Host, p.Port, p.Database)
}

// DB wraps the sqlx handle with the indexer's statement helpers.
type DB struct {
	sqlx   *sqlx.DB
	logger log.Logger

	// UpsertChunk is the number of rows written per upsert statement.
	UpsertChunk int
}

// Connect opens a bounded connection pool and verifies it with a ping.
func Connect(ctx context.Context, p ConnectionParams) (*DB, error) {
	handle, err := sqlx.ConnectContext(ctx, "postgres", p.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	handle.SetMaxOpenConns(defaultMaxOpenConns)
	handle.SetMaxIdleConns(defaultMaxIdleConns)
	handle.SetConnMaxLifetime(defaultConnLifetime)
	return &DB{
		sqlx:        handle,
		logger:      log.New("module", "storage"),
		UpsertChunk: DefaultUpsertChunk,
	}, nil
}

// Close releases the pool.
func (db *DB) Close() error { return db.sqlx.Close() }

// WithAdvisoryLock runs fn while holding the session-level advisory lock for
// key. The lock serializes the symbol_prices writers across concurrent
// per-chain fund updaters. The dedicated connection is held for the duration
// so the unlock pairs with the same session.
func (db *DB) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	conn, err := db.sqlx.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("storage: advisory lock %d: %w", key, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			db.logger.Warn("Advisory unlock failed", "key", key, "err", err)
		}
	}()
	return fn(ctx)
}
