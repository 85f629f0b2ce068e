package gatherer

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velikanghost/alioth-engine/internal/backend"
	"github.com/velikanghost/alioth-engine/internal/oracle"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/scorer"
	"github.com/velikanghost/alioth-engine/internal/types"
)

const testAsset = "usdc"

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func newGatherer(t *testing.T, reg *registry.Registry, feed oracle.Feed) *Gatherer {
	t.Helper()
	g, err := New(reg, feed, time.Hour, time.Second)
	require.NoError(t, err)
	g.SetNowFunc(func() time.Time { return testNow })
	return g
}

func scoringParams() types.StrategyParameters {
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

// panickyAdapter blows up on its APY query to exercise the gatherer's
// per-backend recover path.
type panickyAdapter struct {
	*backend.SimAdapter
}

func (p *panickyAdapter) APY(_ context.Context, _ string) (int64, error) {
	panic("apy query exploded")
}

func TestCollectFreshOracleValuesFlowThrough(t *testing.T) {
	reg := registry.New()
	sim := backend.NewSimAdapter("lender", 650, testAsset)
	sim.SetRisk(300)
	require.NoError(t, reg.Register(sim, 4000))
	_, err := sim.Deposit(context.Background(), testAsset, sdkmath.NewInt(750), sdkmath.ZeroInt())
	require.NoError(t, err)

	feed := oracle.NewStaticFeed()
	feed.SetPrice(testAsset, 1_000_000, testNow.Add(-time.Minute))
	feed.SetRate(testAsset, 450, testNow.Add(-time.Minute))
	feed.SetVolatility(testAsset, 120, testNow.Add(-time.Minute))

	g := newGatherer(t, reg, feed)
	metrics := g.Collect(context.Background(), testAsset)
	require.Len(t, metrics, 1)

	m := metrics[0]
	assert.Equal(t, types.BackendID("lender"), m.Backend)
	assert.True(t, m.Operational)
	assert.Equal(t, int64(650), m.APY)
	assert.True(t, m.TVL.Equal(sdkmath.NewInt(750)))
	assert.Equal(t, int64(300), m.RiskScore)
	assert.Equal(t, int64(1_000_000), m.PriceUSD)
	assert.Equal(t, int64(450), m.OracleRate)
	assert.Equal(t, int64(120), m.VolatilityBps)

	entry, ok := reg.Entry("lender")
	require.True(t, ok)
	assert.Equal(t, int64(650), entry.CachedAPY)
	assert.Equal(t, testNow, entry.LastUpdate)
}

func TestCollectKeepsPausedBackendInRoster(t *testing.T) {
	reg := registry.New()
	healthy := backend.NewSimAdapter("healthy", 500, testAsset)
	paused := backend.NewSimAdapter("paused", 900, testAsset)
	paused.SetOperational(false, "market paused")
	require.NoError(t, reg.Register(healthy, 4000))
	require.NoError(t, reg.Register(paused, 4000))

	g := newGatherer(t, reg, oracle.NewStaticFeed())
	metrics := g.Collect(context.Background(), testAsset)
	require.Len(t, metrics, 2, "non-operational backends stay in the roster")

	assert.True(t, metrics[0].Operational)
	assert.False(t, metrics[1].Operational)
	assert.Equal(t, "market paused", metrics[1].StatusReason)
	assert.Zero(t, metrics[1].APY, "no metrics recorded for a paused backend")
}

func TestCollectIsolatesPanickingBackend(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(backend.NewSimAdapter("steady", 500, testAsset), 4000))
	require.NoError(t, reg.Register(&panickyAdapter{backend.NewSimAdapter("volatile", 500, testAsset)}, 4000))

	g := newGatherer(t, reg, oracle.NewStaticFeed())
	metrics := g.Collect(context.Background(), testAsset)
	require.Len(t, metrics, 2)

	assert.True(t, metrics[0].Operational)
	assert.False(t, metrics[1].Operational)
	assert.Contains(t, metrics[1].StatusReason, "query panic")
}

func TestCollectStaleOracleDegradesToZeroAndScoringProceeds(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(backend.NewSimAdapter("lender", 650, testAsset), 4000))

	feed := oracle.NewStaticFeed()
	feed.SetPrice(testAsset, 1_000_000, testNow.Add(-2*time.Hour))
	feed.SetRate(testAsset, 450, testNow.Add(-2*time.Hour))
	feed.SetVolatility(testAsset, 120, testNow.Add(-2*time.Hour))

	g := newGatherer(t, reg, feed)
	metrics := g.Collect(context.Background(), testAsset)
	require.Len(t, metrics, 1)

	m := metrics[0]
	assert.True(t, m.Operational, "stale oracle data never disqualifies a backend")
	assert.Zero(t, m.PriceUSD)
	assert.Zero(t, m.OracleRate)
	assert.Zero(t, m.VolatilityBps)

	targets, err := scorer.CalculateOptimalAllocation(metrics, sdkmath.NewInt(1000), scoringParams())
	require.NoError(t, err, "scoring proceeds on yield data alone")
	require.Len(t, targets, 1)
	assert.True(t, targets[0].TargetAmount.Equal(sdkmath.NewInt(1000)))
}

func TestCollectNonPositiveOracleValueTreatedAsAbsent(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(backend.NewSimAdapter("lender", 650, testAsset), 4000))

	feed := oracle.NewStaticFeed()
	feed.SetPrice(testAsset, -5, testNow)

	g := newGatherer(t, reg, feed)
	metrics := g.Collect(context.Background(), testAsset)
	require.Len(t, metrics, 1)
	assert.Zero(t, metrics[0].PriceUSD)
}

func TestCollectNoActiveBackends(t *testing.T) {
	g := newGatherer(t, registry.New(), oracle.NewStaticFeed())
	assert.Nil(t, g.Collect(context.Background(), testAsset))
}
