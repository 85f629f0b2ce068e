/*

This file contains the rebalance decision engine. It is a pure comparison of
the current weighted APY against the optimal achievable weighted APY; the only
state it consults beyond its inputs is the injected clock. Repeated evaluation
with unchanged inputs yields the same decision.

*/

package decision

import (
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/types"
)

var ErrNilAllocation = errors.New("allocation cannot be nil")

var decisionLogger = logger.GetForComponent("decision_engine")

// Engine gates rebalances on three conditions: the weighted-APY improvement
// clears the threshold, the minimum inter-rebalance interval has elapsed, and
// the execution-cost proxy is within its ceiling.
type Engine struct {
	params types.StrategyParameters
	nowFn  func() time.Time
}

// New builds a decision engine with the given strategy parameters.
func New(params types.StrategyParameters) *Engine {
	return &Engine{params: params, nowFn: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFn = now }

// SetParameters swaps the strategy parameters (admin action).
func (e *Engine) SetParameters(params types.StrategyParameters) { e.params = params }

// Evaluate compares the current allocation's weighted APY against the fresh
// target vector. minImprovementBps <= 0 falls back to the configured default;
// executionCostBps is the caller-supplied cost proxy for this move.
func (e *Engine) Evaluate(
	alloc *types.AssetAllocation,
	metricsList []types.ProtocolMetrics,
	targets []types.AllocationTarget,
	minImprovementBps int64,
	executionCostBps int64,
) (types.Decision, error) {
	if alloc == nil {
		return types.Decision{}, ErrNilAllocation
	}
	if minImprovementBps <= 0 {
		minImprovementBps = e.params.MinImprovementBps
	}

	current := weightedAPY(alloc, metricsList, e.params)
	optimal := targetWeightedAPY(targets, alloc.Total)
	improvement := optimal - current

	d := types.Decision{
		ImprovementBps: improvement,
		CurrentAPYBps:  current,
		OptimalAPYBps:  optimal,
	}

	switch {
	case improvement < minImprovementBps:
		d.Reason = fmt.Sprintf("improvement %d bps below threshold %d bps", improvement, minImprovementBps)
	case e.nowFn().Sub(alloc.LastRebalance) < e.params.MinRebalanceInterval:
		d.Reason = fmt.Sprintf("minimum interval %s not elapsed since %s",
			e.params.MinRebalanceInterval, alloc.LastRebalance.Format(time.RFC3339))
	case executionCostBps > e.params.MaxExecutionCostBps:
		d.Reason = fmt.Sprintf("execution cost %d bps exceeds ceiling %d bps",
			executionCostBps, e.params.MaxExecutionCostBps)
	default:
		d.ShouldRebalance = true
	}

	decisionLogger.Debug().
		Str("asset", alloc.Asset).
		Int64("currentAPY", current).
		Int64("optimalAPY", optimal).
		Int64("improvement", improvement).
		Bool("shouldRebalance", d.ShouldRebalance).
		Str("reason", d.Reason).
		Msg("Rebalance decision evaluated")
	return d, nil
}

// weightedAPY computes the allocation-weighted APY of the current position
// using the fresh metrics. Backends missing from the metrics, or marked
// non-operational, contribute zero yield: capital parked with an unusable
// backend earns nothing the engine can count on.
func weightedAPY(alloc *types.AssetAllocation, metricsList []types.ProtocolMetrics, params types.StrategyParameters) int64 {
	if alloc.Total.IsNil() || !alloc.Total.IsPositive() {
		return 0
	}

	apyByBackend := make(map[types.BackendID]int64, len(metricsList))
	for _, m := range metricsList {
		if !m.Operational {
			continue
		}
		apy := m.APY
		if params.TrustOracleRates && m.OracleRate > 0 {
			apy = m.OracleRate
		}
		apyByBackend[m.Backend] = apy
	}

	weighted := sdkmath.ZeroInt()
	for id, amt := range alloc.Amounts {
		if apy, ok := apyByBackend[id]; ok {
			weighted = weighted.Add(amt.MulRaw(apy))
		}
	}
	return weighted.Quo(alloc.Total).Int64()
}

// targetWeightedAPY computes the weighted APY the target vector would earn.
func targetWeightedAPY(targets []types.AllocationTarget, total sdkmath.Int) int64 {
	if total.IsNil() || !total.IsPositive() || len(targets) == 0 {
		return 0
	}
	weighted := sdkmath.ZeroInt()
	for _, t := range targets {
		weighted = weighted.Add(t.TargetAmount.MulRaw(t.ObservedAPY))
	}
	return weighted.Quo(total).Int64()
}
