package decision

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velikanghost/alioth-engine/internal/types"
)

func testParams() types.StrategyParameters {
	return types.StrategyParameters{
		GlobalCapBps:             10000,
		DiversificationTargetBps: 5000,
		DiversificationFloorBps:  1500,
		DiversificationTopN:      3,
		ApyWeightBps:             10000,
		LiquidityDivisor:         1_000_000,
		MinImprovementBps:        100,
		MinRebalanceInterval:     15 * time.Minute,
		MaxExecutionCostBps:      1000,
		DefaultMaxSlippageBps:    100,
		RequestDeadline:          5 * time.Minute,
		StalenessWindow:          time.Hour,
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// allocation with everything parked in one low-yield backend.
func lopsidedAllocation(asset string) *types.AssetAllocation {
	alloc := types.NewAssetAllocation(asset)
	alloc.Total = sdkmath.NewInt(1000)
	alloc.Amounts["low"] = sdkmath.NewInt(1000)
	return alloc
}

func lopsidedMetrics() []types.ProtocolMetrics {
	return []types.ProtocolMetrics{
		{Backend: "low", APY: 100, LiquidityDepth: sdkmath.ZeroInt(), Operational: true},
		{Backend: "high", APY: 2000, LiquidityDepth: sdkmath.ZeroInt(), Operational: true},
	}
}

func allToHighTargets() []types.AllocationTarget {
	return []types.AllocationTarget{
		{Backend: "high", TargetBps: 10000, TargetAmount: sdkmath.NewInt(1000), ObservedAPY: 2000},
	}
}

func TestEvaluateTriggersOnImprovement(t *testing.T) {
	e := New(testParams())
	e.SetNowFunc(fixedClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	d, err := e.Evaluate(lopsidedAllocation("usdc"), lopsidedMetrics(), allToHighTargets(), 0, 0)
	require.NoError(t, err)
	assert.True(t, d.ShouldRebalance)
	assert.Equal(t, int64(100), d.CurrentAPYBps)
	assert.Equal(t, int64(2000), d.OptimalAPYBps)
	assert.Equal(t, int64(1900), d.ImprovementBps)
	assert.Empty(t, d.Reason)
}

func TestEvaluateIdempotent(t *testing.T) {
	e := New(testParams())
	e.SetNowFunc(fixedClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	alloc := lopsidedAllocation("usdc")
	metricsList := lopsidedMetrics()
	targets := allToHighTargets()

	first, err := e.Evaluate(alloc, metricsList, targets, 0, 0)
	require.NoError(t, err)
	second, err := e.Evaluate(alloc, metricsList, targets, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second, "unchanged inputs must yield an identical decision")
}

func TestEvaluateBelowThreshold(t *testing.T) {
	e := New(testParams())

	// Current placement already matches the target: zero improvement.
	alloc := types.NewAssetAllocation("usdc")
	alloc.Total = sdkmath.NewInt(1000)
	alloc.Amounts["high"] = sdkmath.NewInt(1000)

	d, err := e.Evaluate(alloc, lopsidedMetrics(), allToHighTargets(), 0, 0)
	require.NoError(t, err)
	assert.False(t, d.ShouldRebalance)
	assert.Equal(t, int64(0), d.ImprovementBps)
	assert.Contains(t, d.Reason, "below threshold")
}

func TestEvaluateIntervalGate(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := New(testParams())
	e.SetNowFunc(fixedClock(now))

	alloc := lopsidedAllocation("usdc")
	alloc.LastRebalance = now.Add(-5 * time.Minute) // inside the 15m cool-down

	d, err := e.Evaluate(alloc, lopsidedMetrics(), allToHighTargets(), 0, 0)
	require.NoError(t, err)
	assert.False(t, d.ShouldRebalance, "interval gate overrides even a large improvement")
	assert.Contains(t, d.Reason, "minimum interval")
	assert.Equal(t, int64(1900), d.ImprovementBps)
}

func TestEvaluateCostCeiling(t *testing.T) {
	e := New(testParams())
	e.SetNowFunc(fixedClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	d, err := e.Evaluate(lopsidedAllocation("usdc"), lopsidedMetrics(), allToHighTargets(), 0, 2000)
	require.NoError(t, err)
	assert.False(t, d.ShouldRebalance)
	assert.Contains(t, d.Reason, "execution cost")
}

func TestEvaluateNonOperationalYieldsZero(t *testing.T) {
	e := New(testParams())
	e.SetNowFunc(fixedClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	// Capital parked with a non-operational backend earns nothing in the
	// weighted view, which is exactly what makes moving it attractive.
	metricsList := lopsidedMetrics()
	metricsList[0].Operational = false

	d, err := e.Evaluate(lopsidedAllocation("usdc"), metricsList, allToHighTargets(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.CurrentAPYBps)
	assert.True(t, d.ShouldRebalance)
}

func TestEvaluateNilAllocation(t *testing.T) {
	e := New(testParams())
	_, err := e.Evaluate(nil, nil, nil, 0, 0)
	assert.ErrorIs(t, err, ErrNilAllocation)
}

func TestEvaluateMinImprovementOverride(t *testing.T) {
	e := New(testParams())
	e.SetNowFunc(fixedClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	// A caller threshold above the projected gain blocks the rebalance even
	// though the configured default would allow it.
	d, err := e.Evaluate(lopsidedAllocation("usdc"), lopsidedMetrics(), allToHighTargets(), 5000, 0)
	require.NoError(t, err)
	assert.False(t, d.ShouldRebalance)
}
