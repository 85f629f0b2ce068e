package engine

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velikanghost/alioth-engine/internal/backend"
	"github.com/velikanghost/alioth-engine/internal/decision"
	"github.com/velikanghost/alioth-engine/internal/gatherer"
	"github.com/velikanghost/alioth-engine/internal/oracle"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/trigger"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/waterfall"
)

const testAsset = "usdc"

var (
	adminCaller   = NewCaller("admin", CapabilityAdmin)
	opsCaller     = NewCaller("ops", CapabilityIntegrator, CapabilityRebalancer)
	nobodyCaller  = NewCaller("nobody")
	zero          = sdkmath.ZeroInt()
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

func newEngine(t *testing.T) *Engine {
	t.Helper()
	params := testParams()
	reg := registry.New()
	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Second)
	require.NoError(t, err)
	dec := decision.New(params)
	wf := waterfall.New(reg, gath, params)
	auto := trigger.New(reg, gath, dec, wf, params)
	return New(reg, gath, dec, wf, auto, params, nil)
}

func TestCapabilityChecks(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Deposit(ctx, nobodyCaller, testAsset, sdkmath.NewInt(100), zero, 100)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = eng.Withdraw(ctx, adminCaller, testAsset, sdkmath.NewInt(100), zero, 100)
	assert.ErrorIs(t, err, ErrUnauthorized, "admin capability does not imply integrator")

	_, _, err = eng.Poll(ctx, nobodyCaller, testAsset)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, eng.EmergencyStop(opsCaller), ErrUnauthorized)
	assert.ErrorIs(t, eng.RegisterProtocol(opsCaller, backend.NewSimAdapter("a", 500, testAsset), 4000), ErrUnauthorized)
	assert.ErrorIs(t, eng.UpdateStrategy(opsCaller, testParams()), ErrUnauthorized)
}

func TestEmergencyStopHaltsMutatorsOnly(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	sim := backend.NewSimAdapter("a", 500, testAsset)
	require.NoError(t, eng.RegisterProtocol(adminCaller, sim, 10000))
	_, err := eng.Deposit(ctx, opsCaller, testAsset, sdkmath.NewInt(1000), zero, 100)
	require.NoError(t, err)

	require.NoError(t, eng.EmergencyStop(adminCaller))
	assert.True(t, eng.Stopped())

	_, err = eng.Deposit(ctx, opsCaller, testAsset, sdkmath.NewInt(100), zero, 100)
	assert.ErrorIs(t, err, ErrEmergencyStopped)
	_, err = eng.Withdraw(ctx, opsCaller, testAsset, sdkmath.NewInt(100), zero, 100)
	assert.ErrorIs(t, err, ErrEmergencyStopped)
	_, _, err = eng.Poll(ctx, opsCaller, testAsset)
	assert.ErrorIs(t, err, ErrEmergencyStopped)
	_, err = eng.Execute(ctx, opsCaller, "any-request")
	assert.ErrorIs(t, err, ErrEmergencyStopped)
	assert.ErrorIs(t, eng.RegisterProtocol(adminCaller, backend.NewSimAdapter("b", 500, testAsset), 4000), ErrEmergencyStopped)

	// Reads stay available while stopped.
	assert.True(t, eng.TotalValueLocked(testAsset).Equal(sdkmath.NewInt(1000)))
	assert.True(t, eng.CurrentAllocation(testAsset).AmountFor("a").Equal(sdkmath.NewInt(1000)))
	_, err = eng.CalculateOptimalAllocation(ctx, testAsset, sdkmath.NewInt(500))
	assert.NoError(t, err)

	require.NoError(t, eng.Resume(adminCaller))
	_, err = eng.Deposit(ctx, opsCaller, testAsset, sdkmath.NewInt(100), zero, 100)
	assert.NoError(t, err)
}

func TestUpdateStrategyRejectsInvalidParameters(t *testing.T) {
	eng := newEngine(t)

	bad := testParams()
	bad.GlobalCapBps = 0
	assert.ErrorIs(t, eng.UpdateStrategy(adminCaller, bad), types.ErrInvalidStrategyParameters)

	good := testParams()
	good.MinImprovementBps = 250
	require.NoError(t, eng.UpdateStrategy(adminCaller, good))
	assert.Equal(t, int64(250), eng.Parameters().MinImprovementBps)
}

func TestDeregisterRequiresAdminAndSoftDeletes(t *testing.T) {
	eng := newEngine(t)
	require.NoError(t, eng.RegisterProtocol(adminCaller, backend.NewSimAdapter("a", 500, testAsset), 4000))

	assert.ErrorIs(t, eng.DeregisterProtocol(opsCaller, "a"), ErrUnauthorized)
	require.NoError(t, eng.DeregisterProtocol(adminCaller, "a"))
	assert.ErrorIs(t, eng.DeregisterProtocol(adminCaller, "a"), registry.ErrNotRegistered)
}

func TestExecuteUnknownRequestPassesThroughAutomatonError(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.Execute(context.Background(), opsCaller, "never-issued")
	assert.ErrorIs(t, err, trigger.ErrUnknownRequest)
}

func TestFullCycleDepositPollExecute(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	a := backend.NewSimAdapter("a", 800, testAsset)
	b := backend.NewSimAdapter("b", 100, testAsset)
	require.NoError(t, eng.RegisterProtocol(adminCaller, a, 10000))
	require.NoError(t, eng.RegisterProtocol(adminCaller, b, 10000))

	shares, err := eng.Deposit(ctx, opsCaller, testAsset, sdkmath.NewInt(1000), zero, 100)
	require.NoError(t, err)
	assert.True(t, shares.Equal(sdkmath.NewInt(1000)))
	require.True(t, eng.TotalValueLocked(testAsset).Equal(sdkmath.NewInt(1000)))

	alloc := eng.CurrentAllocation(testAsset)
	assert.True(t, alloc.AmountFor("a").GT(alloc.AmountFor("b")), "higher APY backend takes the larger share")

	// The market flips; polling should now trigger a rebalance toward b.
	a.SetAPY(100)
	b.SetAPY(2000)

	ok, improvement, err := eng.ShouldRebalance(ctx, testAsset, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, improvement, int64(0))

	req, d, err := eng.Poll(ctx, opsCaller, testAsset)
	require.NoError(t, err)
	require.NotNil(t, req, "poll should trigger: %s", d.Reason)
	assert.True(t, d.ShouldRebalance)

	live, last := eng.TriggerState(testAsset)
	assert.Equal(t, trigger.StateIdle, live)
	assert.Equal(t, trigger.StateActionTriggered, last)

	outcome, err := eng.Execute(ctx, opsCaller, req.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Success)
	assert.Zero(t, outcome.PollNumber, "nil recorder leaves poll numbers at zero")

	after := eng.CurrentAllocation(testAsset)
	assert.True(t, after.Total.Equal(sdkmath.NewInt(1000)), "rebalancing conserves total")
	assert.True(t, after.AmountFor("b").GT(after.AmountFor("a")), "funds follow the new yields")
	assert.False(t, after.LastRebalance.IsZero())

	// The consumed request cannot run twice.
	_, err = eng.Execute(ctx, opsCaller, req.ID)
	assert.ErrorIs(t, err, trigger.ErrRequestConsumed)
}
