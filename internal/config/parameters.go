/*

This file contains the default strategy parameters for the allocation engine.

These defaults are tuned for pooled capital spread across unattended yield
backends: they favor diversification and predictable exits over chasing the
single highest advertised rate.

*/

package config

import (
	"time"

	"github.com/velikanghost/alioth-engine/internal/types"
)

// DefaultStrategyParameters provides the baseline parameter set for the
// engine's scoring and rebalance gating. These values are used if no active
// parameters are found in the database during initialization.
var DefaultStrategyParameters = types.StrategyParameters{
	// --- Allocation shape ---
	GlobalCapBps: 4000, // No single backend holds more than 40% of an asset.
	// Rationale: if one backend halts withdrawals or is exploited, losses are
	// contained to a minority of the pool. Per-backend caps can tighten this
	// further; they can never loosen it.

	DiversificationTargetBps: 8000, // Strongly diversified posture by default.
	// Above 6000 the floor enforcement below becomes active.

	DiversificationFloorBps: 1500, // Each top-ranked backend gets at least 15%.
	DiversificationTopN:     3,

	// --- Score components ---
	ApyWeightBps: 10000, // APY is the dominant signal at full weight.

	MarketWeightBps: 200, // Flat bonus for a live oracle price.
	// A priced asset can be valued independently of the backend's own books.

	HealthWeightBps: 1000, // Up to 10% of the health score feeds the score.

	LiquidityBonusCapBps: 300,
	LiquidityDivisor:     1_000_000, // one bonus point per million units of depth
	// Deep liquidity matters for exits, but it saturates quickly: beyond the
	// cap, extra depth adds nothing to the score.

	PriceReliabilityBps: 100,

	VolatilityWeightBps: 5000, // Half of the reported volatility is subtracted.
	TrustOracleRates:    true, // Prefer the oracle rate feed over self-reported APY.

	// --- Rebalance gating ---
	MinImprovementBps: 100, // Do not move capital for less than a 1% APY gain.
	// Every rebalance pays execution costs and slippage twice (out and in).

	MinRebalanceInterval: 15 * time.Minute,
	MaxExecutionCostBps:  50,

	// --- Execution ---
	DefaultMaxSlippageBps: 100, // 1% default slippage tolerance.
	RequestDeadline:       5 * time.Minute,

	// --- External data hygiene ---
	StalenessWindow: time.Hour, // Oracle data older than 3600s is treated as absent.
}
