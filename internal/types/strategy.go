/*

This file contains the tunable strategy parameters for the allocation engine.
Everything is expressed in integer basis points (10000 = 100%) so the scoring
and allocation path never touches floating point. Different parameter sets can
exist for different market regimes; the active set is versioned in the
database.

*/

package types

import (
	"errors"
	"fmt"
	"time"
)

// BpsDenominator is the fixed integer denominator for all percentage math.
const BpsDenominator = 10000

// StrategyParameters holds all weights, bonuses, and thresholds used for
// scoring backends, shaping the target allocation vector, and gating
// rebalance decisions.
type StrategyParameters struct {
	// --- Allocation shape ---
	GlobalCapBps             int64 `json:"global_cap_bps"`              // hard single-backend cap, combined with each entry's own cap
	DiversificationTargetBps int64 `json:"diversification_target_bps"`  // above DiversificationFloorTriggerBps the floor kicks in
	DiversificationFloorBps  int64 `json:"diversification_floor_bps"`   // minimum share guaranteed to each top-ranked backend
	DiversificationTopN      int   `json:"diversification_top_n"`       // how many top-ranked backends receive the floor

	// --- Score components (all bps-scaled) ---
	ApyWeightBps         int64 `json:"apy_weight_bps"`          // weight applied to the APY component
	MarketWeightBps      int64 `json:"market_weight_bps"`       // flat bonus when a live oracle price exists
	HealthWeightBps      int64 `json:"health_weight_bps"`       // weight applied to the backend health score
	LiquidityBonusCapBps int64 `json:"liquidity_bonus_cap_bps"` // ceiling on the liquidity depth bonus
	LiquidityDivisor     int64 `json:"liquidity_divisor"`       // asset units per bonus point of liquidity depth
	PriceReliabilityBps  int64 `json:"price_reliability_bps"`   // flat bonus for a fresh oracle price
	VolatilityWeightBps  int64 `json:"volatility_weight_bps"`   // weight applied to the oracle volatility penalty
	TrustOracleRates     bool  `json:"trust_oracle_rates"`      // prefer the oracle rate feed over self-reported APY

	// --- Rebalance gating ---
	MinImprovementBps    int64         `json:"min_improvement_bps"`    // weighted-APY gain required to act
	MinRebalanceInterval time.Duration `json:"min_rebalance_interval"` // cool-down between rebalances per asset
	MaxExecutionCostBps  int64         `json:"max_execution_cost_bps"` // ceiling on the execution-cost proxy

	// --- Execution ---
	DefaultMaxSlippageBps int64         `json:"default_max_slippage_bps"`
	RequestDeadline       time.Duration `json:"request_deadline"` // validity window of a RebalanceRequest

	// --- External data hygiene ---
	StalenessWindow time.Duration `json:"staleness_window"` // oracle data older than this is treated as absent
}

// DiversificationFloorTriggerBps is the diversification target above which the
// per-backend floor allocation is enforced.
const DiversificationFloorTriggerBps = 6000

var (
	ErrInvalidStrategyParameters = errors.New("invalid strategy parameters")
)

// Validate rejects parameter sets that would make the allocation math
// meaningless before any scoring work is done.
func (p StrategyParameters) Validate() error {
	check := func(name string, v int64) error {
		if v < 0 || v > BpsDenominator {
			return fmt.Errorf("%w: %s must be within [0, %d], got %d", ErrInvalidStrategyParameters, name, BpsDenominator, v)
		}
		return nil
	}
	for name, v := range map[string]int64{
		"global_cap_bps":             p.GlobalCapBps,
		"diversification_target_bps": p.DiversificationTargetBps,
		"diversification_floor_bps":  p.DiversificationFloorBps,
		"min_improvement_bps":        p.MinImprovementBps,
		"max_execution_cost_bps":     p.MaxExecutionCostBps,
		"default_max_slippage_bps":   p.DefaultMaxSlippageBps,
	} {
		if err := check(name, v); err != nil {
			return err
		}
	}
	if p.GlobalCapBps == 0 {
		return fmt.Errorf("%w: global_cap_bps must be positive", ErrInvalidStrategyParameters)
	}
	if p.ApyWeightBps < 0 || p.MarketWeightBps < 0 || p.HealthWeightBps < 0 ||
		p.LiquidityBonusCapBps < 0 || p.PriceReliabilityBps < 0 || p.VolatilityWeightBps < 0 {
		return fmt.Errorf("%w: score component weights cannot be negative", ErrInvalidStrategyParameters)
	}
	if p.LiquidityDivisor <= 0 {
		return fmt.Errorf("%w: liquidity_divisor must be positive, got %d", ErrInvalidStrategyParameters, p.LiquidityDivisor)
	}
	if p.DiversificationTopN <= 0 {
		return fmt.Errorf("%w: diversification_top_n must be positive, got %d", ErrInvalidStrategyParameters, p.DiversificationTopN)
	}
	if int64(p.DiversificationTopN)*p.DiversificationFloorBps > BpsDenominator {
		return fmt.Errorf("%w: diversification floor of %d bps cannot be guaranteed to %d backends",
			ErrInvalidStrategyParameters, p.DiversificationFloorBps, p.DiversificationTopN)
	}
	if p.MinRebalanceInterval < 0 || p.RequestDeadline <= 0 || p.StalenessWindow <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidStrategyParameters)
	}
	return nil
}
