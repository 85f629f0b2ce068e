/*

This file contains the per-backend metrics snapshot assembled by the gatherer.
All values come from untrusted external sources (backends and the oracle feed)
and are re-validated for staleness and sign on every use.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// ProtocolMetrics is a transient snapshot of one backend's yield, risk, and
// liquidity figures for one asset. A backend that failed any query, or that
// reports itself non-operational, is carried with Operational=false and is
// excluded from scoring downstream.
//
// Oracle-sourced fields degrade to zero when the feed value is absent, stale,
// or non-positive; zero is a first-class "unknown" value, never an error.
type ProtocolMetrics struct {
	Backend          BackendID   `json:"backend"`
	APY              int64       `json:"apy_bps"`             // backend self-reported APY in bps
	OracleRate       int64       `json:"oracle_rate_bps"`     // oracle yield feed in bps, 0 = absent
	RiskScore        int64       `json:"risk_score_bps"`      // 0..10000, higher is riskier
	HealthScore      int64       `json:"health_score_bps"`    // 0..10000, higher is healthier
	LiquidityDepth   sdkmath.Int `json:"liquidity_depth"`     // withdrawable depth in asset units
	TVL              sdkmath.Int `json:"tvl"`                 // backend-wide value locked in asset units
	UtilizationBps   int64       `json:"utilization_bps"`     // 0..10000
	MaxAllocationBps int64       `json:"max_allocation_bps"`  // per-backend cap, copied from the registry entry
	Operational      bool        `json:"operational"`
	StatusReason     string      `json:"status_reason,omitempty"`
	PriceUSD         int64       `json:"price_usd_micro"`     // oracle price in micro-USD, 0 = absent/stale
	VolatilityBps    int64       `json:"volatility_bps"`      // oracle volatility in bps, 0 = absent
}

// HealthMetrics bundles the backend health_metrics query result.
type HealthMetrics struct {
	HealthScore    int64
	LiquidityDepth sdkmath.Int
	UtilizationBps int64
}
