// Package database owns the PostgreSQL pool, schema migrations and the
// repository used by the engine blocks.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"crypto-trading-engine/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates the connection pool. Pool sizing follows the configured
// DB_POOL_SIZE plus DB_MAX_OVERFLOW headroom; connections are recycled
// after DB_POOL_RECYCLE.
func New(cfg config.DatabaseConfig, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolSize + cfg.MaxOverflow)
	poolConfig.MinConns = int32(min(cfg.PoolSize, 5))
	poolConfig.MaxConnLifetime = cfg.PoolRecycle
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

	dbLog := log.With().Str("component", "database").Logger()
	dbLog.Info().Str("database", cfg.Database).Msg("connected to postgres")

	return &DB{Pool: pool, log: dbLog}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations applies the idempotent schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			name VARCHAR(100) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			initial_capital DECIMAL(20, 8) NOT NULL,
			capital DECIMAL(20, 8) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			model_name VARCHAR(100) NOT NULL DEFAULT '',
			decision_mode VARCHAR(16) NOT NULL DEFAULT 'trinity',
			symbols TEXT[] NOT NULL DEFAULT '{}',
			risk_params_json JSONB NOT NULL DEFAULT '{}',
			paper_trading BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL REFERENCES bots(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'open',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			close_reason VARCHAR(20)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_bot_status ON positions(bot_id, status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL REFERENCES bots(id),
			position_id UUID NOT NULL REFERENCES positions(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			executed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_executed ON trades(bot_id, executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id)`,

		`CREATE TABLE IF NOT EXISTS llm_decisions (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL REFERENCES bots(id),
			symbol VARCHAR(20) NOT NULL DEFAULT '',
			prompt_hash VARCHAR(64) NOT NULL,
			response TEXT NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost DECIMAL(12, 6) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_decisions_bot ON llm_decisions(bot_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS engine_cycles (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL REFERENCES bots(id),
			mode VARCHAR(16) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			signals_evaluated INTEGER NOT NULL DEFAULT 0,
			entries INTEGER NOT NULL DEFAULT 0,
			exits INTEGER NOT NULL DEFAULT 0,
			error_tag VARCHAR(64) NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_cycles_bot ON engine_cycles(bot_id, started_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
