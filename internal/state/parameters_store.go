// ./internal/state/parameters_store.go
package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/velikanghost/alioth-engine/internal/types"
)

// SaveStrategyParameters saves a new version of strategy parameters.
func SaveStrategyParameters(params types.StrategyParameters, configName string, version int, makeActive bool) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE strategy_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`
		_, err = tx.Exec(stmtDeactivate, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
        INSERT INTO strategy_parameters (
            version, config_name, is_active, activated_at, created_at,
            global_cap_bps, diversification_target_bps, diversification_floor_bps, diversification_top_n,
            apy_weight_bps, market_weight_bps, health_weight_bps,
            liquidity_bonus_cap_bps, liquidity_divisor, price_reliability_bps, volatility_weight_bps,
            trust_oracle_rates,
            min_improvement_bps, min_rebalance_interval_seconds, max_execution_cost_bps,
            default_max_slippage_bps, request_deadline_seconds, staleness_window_seconds
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11, $12,
            $13, $14, $15, $16,
            $17,
            $18, $19, $20,
            $21, $22, $23
        ) RETURNING params_id;`

	var paramsID int64
	currentTime := time.Now()
	err = tx.QueryRow(
		stmt,
		version, configName, makeActive, currentTime, currentTime,
		params.GlobalCapBps, params.DiversificationTargetBps, params.DiversificationFloorBps, params.DiversificationTopN,
		params.ApyWeightBps, params.MarketWeightBps, params.HealthWeightBps,
		params.LiquidityBonusCapBps, params.LiquidityDivisor, params.PriceReliabilityBps, params.VolatilityWeightBps,
		params.TrustOracleRates,
		params.MinImprovementBps, int64(params.MinRebalanceInterval/time.Second), params.MaxExecutionCostBps,
		params.DefaultMaxSlippageBps, int64(params.RequestDeadline/time.Second), int64(params.StalenessWindow/time.Second),
	).Scan(&paramsID)

	if err != nil {
		return 0, fmt.Errorf("failed to insert strategy parameters: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved strategy parameters")
	return paramsID, nil
}

// LoadActiveStrategyParameters loads the currently active strategy parameters.
func LoadActiveStrategyParameters(configName string) (*types.StrategyParameters, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT
            global_cap_bps, diversification_target_bps, diversification_floor_bps, diversification_top_n,
            apy_weight_bps, market_weight_bps, health_weight_bps,
            liquidity_bonus_cap_bps, liquidity_divisor, price_reliability_bps, volatility_weight_bps,
            trust_oracle_rates,
            min_improvement_bps, min_rebalance_interval_seconds, max_execution_cost_bps,
            default_max_slippage_bps, request_deadline_seconds, staleness_window_seconds
        FROM strategy_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	p := &types.StrategyParameters{}
	var intervalSec, deadlineSec, stalenessSec int64
	row := DB.QueryRow(query, configName)
	err := row.Scan(
		&p.GlobalCapBps, &p.DiversificationTargetBps, &p.DiversificationFloorBps, &p.DiversificationTopN,
		&p.ApyWeightBps, &p.MarketWeightBps, &p.HealthWeightBps,
		&p.LiquidityBonusCapBps, &p.LiquidityDivisor, &p.PriceReliabilityBps, &p.VolatilityWeightBps,
		&p.TrustOracleRates,
		&p.MinImprovementBps, &intervalSec, &p.MaxExecutionCostBps,
		&p.DefaultMaxSlippageBps, &deadlineSec, &stalenessSec,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no active strategy parameters found for config '%s'", configName)
		}
		return nil, fmt.Errorf("failed to scan active strategy parameters for config '%s': %w", configName, err)
	}
	p.MinRebalanceInterval = time.Duration(intervalSec) * time.Second
	p.RequestDeadline = time.Duration(deadlineSec) * time.Second
	p.StalenessWindow = time.Duration(stalenessSec) * time.Second

	log.Info().Str("config", configName).Msg("Loaded active strategy parameters")
	return p, nil
}

// NextParametersVersion returns the next unused version number for a config.
func NextParametersVersion(configName string) (int, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `SELECT COALESCE(MAX(version), 0) + 1 FROM strategy_parameters WHERE config_name = $1;`

	var next int
	row := DB.QueryRow(query, configName)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to determine next parameters version for config '%s': %w", configName, err)
	}
	return next, nil
}
