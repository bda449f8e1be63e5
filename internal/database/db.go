package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DSN renders the libpq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	return NewDBFromDSN(ctx, cfg.DSN(), cfg.MaxConns, logger)
}

// NewDBFromDSN connects using a libpq keyword string or a postgres:// URL.
func NewDBFromDSN(ctx context.Context, dsn string, maxConns int32, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "Database").Logger()
	logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the subscription and ledger schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			weekly_required_amount NUMERIC(38, 18) NOT NULL,
			daily_base_rate NUMERIC(20, 8) NOT NULL,
			bonus_tiers JSONB NOT NULL DEFAULT '[]',
			min_weeks INTEGER NOT NULL CHECK (min_weeks >= 1),
			penalty_table JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			wallet_address VARCHAR(42) NOT NULL,
			plan_id TEXT REFERENCES plans(id),
			subscription_start_date TIMESTAMPTZ,
			accumulated_reward NUMERIC(38, 18) NOT NULL DEFAULT 0,
			last_evaluated_at TIMESTAMPTZ,
			withdrawals_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_plan ON subscribers(plan_id) WHERE plan_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS subscriber_weekly_ledger (
			subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
			week_number INTEGER NOT NULL,
			observed_balance NUMERIC(38, 18) NOT NULL,
			evaluated_at TIMESTAMPTZ NOT NULL,
			passed BOOLEAN NOT NULL,
			PRIMARY KEY (subscriber_id, week_number)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			category VARCHAR(32) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			subscriber_id TEXT NOT NULL,
			tx_hash VARCHAR(66),
			status VARCHAR(16) NOT NULL DEFAULT 'processing',
			confirmations BIGINT NOT NULL DEFAULT 0,
			block_number BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			failure_reason TEXT,
			anomaly TEXT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_pending ON ledger_entries(category, status) WHERE tx_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_subscriber ON ledger_entries(subscriber_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}
