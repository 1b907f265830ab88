// Package database persists orders, capital allocations and the trade
// journal in PostgreSQL, and instance state in Redis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"quant-trading-engine/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// DSN builds the connection string of a database config
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
	)
}

// NewDB opens and pings a connection pool
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

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

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the pool
func (db *DB) Close() {
	if db != nil && db.Pool != nil {
		db.Pool.Close()
	}
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations applied")
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		client_order_id VARCHAR(36) PRIMARY KEY,
		broker_order_id VARCHAR(64),
		strategy_id BIGINT NOT NULL,
		instrument VARCHAR(64) NOT NULL,
		side VARCHAR(8) NOT NULL,
		order_type VARCHAR(24) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		trailing_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		status VARCHAR(24) NOT NULL,
		filled_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		fill_processed BOOLEAN NOT NULL DEFAULT FALSE,
		allocation_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
		purpose VARCHAR(16) NOT NULL,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(strategy_id, created_at) WHERE fill_processed = FALSE`,

	`CREATE TABLE IF NOT EXISTS capital_allocations (
		strategy_id BIGINT PRIMARY KEY,
		total_capital DOUBLE PRECISION NOT NULL,
		used_amount DOUBLE PRECISION NOT NULL,
		per_instrument_cap DOUBLE PRECISION NOT NULL DEFAULT 0,
		reservations JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		strategy_id BIGINT NOT NULL,
		instrument VARCHAR(64) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_time TIMESTAMPTZ,
		exit_time TIMESTAMPTZ NOT NULL,
		reason VARCHAR(64) NOT NULL,
		gross_pnl DOUBLE PRECISION NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		order_id VARCHAR(64),
		orphan BOOLEAN NOT NULL DEFAULT FALSE,
		synthetic BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_strategy_exit ON trades(strategy_id, exit_time DESC)`,
}
