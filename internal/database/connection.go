package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable records the applied schema version.
const MigrationsTable = "platform_schema_migrations"

// slowQueryThreshold is the duration above which a statement is logged as slow.
const slowQueryThreshold = time.Second

var tablePatterns = []struct {
	prefix string
	regex  *regexp.Regexp
}{
	{"SELECT", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
	{"INSERT", regexp.MustCompile(`INTO\s+["']?(\w+)["']?`)},
	{"UPDATE", regexp.MustCompile(`UPDATE\s+["']?(\w+)["']?`)},
	{"DELETE", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
	{"WITH", regexp.MustCompile(`(?:FROM|UPDATE|INTO)\s+["']?(\w+)["']?`)},
}

// Connection wraps the pgx pool used by the outbox and the Postgres pub/sub backend.
type Connection struct {
	pool    *pgxpool.Pool
	config  config.DatabaseConfig
	metrics *observability.Metrics
}

// SetMetrics sets the metrics instance for recording query metrics
func (c *Connection) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// extractTableName returns the first table a statement touches, or "unknown".
func extractTableName(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	for _, p := range tablePatterns {
		if strings.HasPrefix(sql, p.prefix) {
			if matches := p.regex.FindStringSubmatch(sql); len(matches) > 1 {
				return strings.ToLower(matches[1])
			}
		}
	}
	return "unknown"
}

// extractOperation returns the statement verb used as the metrics label.
func extractOperation(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(sql, "SELECT"):
		return "select"
	case strings.HasPrefix(sql, "INSERT"):
		return "insert"
	case strings.HasPrefix(sql, "UPDATE"):
		return "update"
	case strings.HasPrefix(sql, "DELETE"):
		return "delete"
	case strings.HasPrefix(sql, "WITH"):
		return "cte"
	default:
		return "other"
	}
}

func truncateQuery(query string, maxLen int) string {
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "... (truncated)"
}

// NewConnection creates the pool and verifies it with a ping.
func NewConnection(ctx context.Context, cfg config.DatabaseConfig) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	// Stale connections are dropped here instead of surfacing as "conn closed" later.
	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			log.Debug().Err(err).Msg("Discarding unhealthy connection from pool")
			return false
		}
		return true
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int32("max_connections", cfg.MaxConnections).
		Msg("Database connection established")

	return &Connection{pool: pool, config: cfg}, nil
}

// Close closes the pool
func (c *Connection) Close() {
	c.pool.Close()
	log.Info().Msg("Database connection closed")
}

// Pool returns the underlying connection pool
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// Migrate applies the embedded schema migrations.
func (c *Connection) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(c.config))
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			log.Warn().Err(err).Msg("Failed to close migrator")
		}
	}()

	return applyMigrations(m)
}

// migrationURL rewrites the connection string for the pgx5 migrate driver.
func migrationURL(cfg config.DatabaseConfig) string {
	url := "pgx5://" + strings.TrimPrefix(cfg.ConnectionString(), "postgres://")
	return url + "&x-migrations-table=" + MigrationsTable
}

// migrator is the subset of *migrate.Migrate used by applyMigrations.
type migrator interface {
	Version() (uint, bool, error)
	Force(version int) error
	Up() error
}

func applyMigrations(m migrator) error {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	// An interrupted run leaves the version dirty; the migrations are idempotent so it is retried.
	if dirty {
		log.Warn().Uint("version", version).Msg("Database is in dirty state, forcing version to clean")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force migration version: %w", err)
		}
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info().Uint("version", version).Msg("No new migrations to apply")
		return nil
	case err != nil:
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ = m.Version()
	log.Info().Uint("version", version).Msg("Migrations applied successfully")
	return nil
}

// BeginTx starts a transaction on the pool
func (c *Connection) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return c.pool.Begin(ctx)
}

// Query executes a query that returns rows
func (c *Connection) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := c.pool.Query(ctx, sql, args...)
	c.observe(sql, time.Since(start), err)
	return rows, err
}

// QueryRow executes a query that returns a single row
func (c *Connection) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := c.pool.QueryRow(ctx, sql, args...)
	c.observe(sql, time.Since(start), nil)
	return row
}

// Exec executes a statement that returns no rows
func (c *Connection) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := c.pool.Exec(ctx, sql, args...)
	c.observe(sql, time.Since(start), err)
	return tag, err
}

func (c *Connection) observe(sql string, duration time.Duration, err error) {
	c.metrics.RecordDBQuery(extractOperation(sql), extractTableName(sql), duration, err)

	if duration > slowQueryThreshold {
		log.Warn().
			Dur("duration", duration).
			Str("query", truncateQuery(sql, 200)).
			Bool("slow_query", true).
			Msg("Slow query detected")
	}
}

// Health runs SELECT 1 with a short timeout.
func (c *Connection) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := c.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected health check result: %d", result)
	}
	return nil
}

// Stats returns pool statistics
func (c *Connection) Stats() *pgxpool.Stat {
	return c.pool.Stat()
}
