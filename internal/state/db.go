// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS strategy_parameters (
			params_id SERIAL PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 1,
			config_name VARCHAR(255) NOT NULL DEFAULT 'default',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			global_cap_bps BIGINT NOT NULL,
			diversification_target_bps BIGINT NOT NULL,
			diversification_floor_bps BIGINT NOT NULL,
			diversification_top_n INTEGER NOT NULL,
			apy_weight_bps BIGINT NOT NULL,
			market_weight_bps BIGINT NOT NULL,
			health_weight_bps BIGINT NOT NULL,
			liquidity_bonus_cap_bps BIGINT NOT NULL,
			liquidity_divisor BIGINT NOT NULL,
			price_reliability_bps BIGINT NOT NULL,
			volatility_weight_bps BIGINT NOT NULL,
			trust_oracle_rates BOOLEAN NOT NULL,
			min_improvement_bps BIGINT NOT NULL,
			min_rebalance_interval_seconds BIGINT NOT NULL,
			max_execution_cost_bps BIGINT NOT NULL,
			default_max_slippage_bps BIGINT NOT NULL,
			request_deadline_seconds BIGINT NOT NULL,
			staleness_window_seconds BIGINT NOT NULL,
			CONSTRAINT uq_strategy_parameters_config_version UNIQUE (config_name, version)
		);
		CREATE INDEX IF NOT EXISTS idx_strategy_parameters_config_active_timestamp ON strategy_parameters(config_name, is_active, activated_at DESC);

		CREATE TABLE IF NOT EXISTS rebalance_outcomes (
			outcome_id SERIAL PRIMARY KEY,
			request_id VARCHAR(64) NOT NULL UNIQUE,
			asset VARCHAR(64) NOT NULL,
			poll_number BIGINT NOT NULL DEFAULT 0,
			improvement_bps BIGINT NOT NULL,
			targets JSONB,
			gained JSONB,
			lost JSONB,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			outcome_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_rebalance_outcomes_timestamp ON rebalance_outcomes(outcome_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_rebalance_outcomes_asset ON rebalance_outcomes(asset);

		-- Poll counter table for persistent global poll tracking
		CREATE TABLE IF NOT EXISTS poll_counter (
			id INTEGER PRIMARY KEY DEFAULT 1,
			current_poll BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row_check CHECK (id = 1)
		);

		-- Insert initial row if it doesn't exist
		INSERT INTO poll_counter (id, current_poll)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
