package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logging.Component("database")
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		// Trade records: one row per position lifecycle
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL CHECK (direction IN ('LONG','SHORT')),
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL DEFAULT 1,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit_1 DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit_2 DECIMAL(20, 8),
			take_profit_3 DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'open' CHECK (status IN ('open','closed')),
			pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_percentage DECIMAL(10, 4) NOT NULL DEFAULT 0,
			opened_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			closed_at TIMESTAMP,
			order_id VARCHAR(64),
			max_pnl_percentage DECIMAL(10, 4),
			trailing_peak_price DECIMAL(20, 8),
			pyramided BOOLEAN NOT NULL DEFAULT FALSE,
			partial_taken BOOLEAN NOT NULL DEFAULT FALSE,
			dca_count INT NOT NULL DEFAULT 0,
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMP,
			exit_reason VARCHAR(64),
			is_sniper BOOLEAN NOT NULL DEFAULT FALSE,
			mae_percentage DECIMAL(10, 4) NOT NULL DEFAULT 0,
			mfe_percentage DECIMAL(10, 4) NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades(opened_at)`,

		// Per-cycle orchestrator metrics for the dashboard
		`CREATE TABLE IF NOT EXISTS cycle_metrics (
			id SERIAL PRIMARY KEY,
			cycle_id VARCHAR(40) NOT NULL,
			started_at TIMESTAMP NOT NULL,
			duration_ms BIGINT NOT NULL,
			symbols_scanned INT NOT NULL DEFAULT 0,
			signals_generated INT NOT NULL DEFAULT 0,
			signals_rejected INT NOT NULL DEFAULT 0,
			trades_opened INT NOT NULL DEFAULT 0,
			errors INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_metrics_started ON cycle_metrics(started_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}
