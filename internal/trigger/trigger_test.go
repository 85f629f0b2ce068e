package trigger

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
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/waterfall"
)

const testAsset = "usdc"

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

// lopsidedFixture parks all capital in a low-yield backend while a much
// better one is available, so every poll wants to rebalance.
func lopsidedFixture(t *testing.T) (*Automaton, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	low := backend.NewSimAdapter("low", 100, testAsset)
	high := backend.NewSimAdapter("high", 2000, testAsset)
	require.NoError(t, reg.Register(low, testParams().GlobalCapBps))
	require.NoError(t, reg.Register(high, testParams().GlobalCapBps))

	_, err := low.Deposit(context.Background(), testAsset, sdkmath.NewInt(1000), sdkmath.ZeroInt())
	require.NoError(t, err)
	require.NoError(t, reg.Credit(testAsset, "low", sdkmath.NewInt(1000)))

	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Second)
	require.NoError(t, err)
	dec := decision.New(testParams())
	wf := waterfall.New(reg, gath, testParams())
	return New(reg, gath, dec, wf, testParams()), reg
}

func TestPollNothingAllocated(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(backend.NewSimAdapter("solo", 500, testAsset), 10000))
	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Second)
	require.NoError(t, err)
	auto := New(reg, gath, decision.New(testParams()), waterfall.New(reg, gath, testParams()), testParams())

	req, d, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.False(t, d.ShouldRebalance)
	assert.Equal(t, "nothing allocated", d.Reason)
	assert.Equal(t, StateIdle, auto.StateOf(testAsset))
	assert.Equal(t, StateNoAction, auto.LastResult(testAsset))
}

func TestPollTriggersRequest(t *testing.T) {
	auto, _ := lopsidedFixture(t)

	req, d, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, d.ShouldRebalance)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, testAsset, req.Asset)
	assert.False(t, req.Deadline.IsZero())
	assert.Positive(t, req.ImprovementBps)

	assert.Equal(t, StateIdle, auto.StateOf(testAsset), "poll always lands back in IDLE")
	assert.Equal(t, StateActionTriggered, auto.LastResult(testAsset))
}

func TestPollNoActionWhenAlreadyOptimal(t *testing.T) {
	reg := registry.New()
	solo := backend.NewSimAdapter("solo", 500, testAsset)
	require.NoError(t, reg.Register(solo, 10000))
	_, err := solo.Deposit(context.Background(), testAsset, sdkmath.NewInt(1000), sdkmath.ZeroInt())
	require.NoError(t, err)
	require.NoError(t, reg.Credit(testAsset, "solo", sdkmath.NewInt(1000)))

	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Second)
	require.NoError(t, err)
	auto := New(reg, gath, decision.New(testParams()), waterfall.New(reg, gath, testParams()), testParams())

	req, d, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.False(t, d.ShouldRebalance)
	assert.Equal(t, StateNoAction, auto.LastResult(testAsset))
}

func TestExecuteConsumesRequestExactlyOnce(t *testing.T) {
	auto, reg := lopsidedFixture(t)

	req, _, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	require.NotNil(t, req)

	outcome, err := auto.Execute(context.Background(), req.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	// The bulk of the funds moved to the high-yield backend.
	alloc := reg.Allocation(testAsset)
	assert.True(t, alloc.Total.Equal(sdkmath.NewInt(1000)))
	assert.True(t, alloc.AmountFor("high").GT(alloc.AmountFor("low")))

	_, err = auto.Execute(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrRequestConsumed)
}

func TestExecuteUnknownRequest(t *testing.T) {
	auto, _ := lopsidedFixture(t)
	_, err := auto.Execute(context.Background(), "no-such-request")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestPollPrunesExpiredPendingRequests(t *testing.T) {
	auto, _ := lopsidedFixture(t)

	req, _, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	require.NotNil(t, req)

	auto.SetNowFunc(func() time.Time { return req.Deadline.Add(time.Second) })

	req2, _, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	require.NotNil(t, req2)

	_, err = auto.Execute(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrUnknownRequest, "an expired request is swept on the next poll")

	auto.mu.Lock()
	assert.Len(t, auto.pending, 1, "only the live request remains pending")
	auto.mu.Unlock()
}

func TestPollEvictsConsumedTombstonesPastDeadline(t *testing.T) {
	auto, _ := lopsidedFixture(t)

	req, _, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	require.NotNil(t, req)

	_, err = auto.Execute(context.Background(), req.ID)
	require.NoError(t, err)
	_, err = auto.Execute(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrRequestConsumed)

	auto.SetNowFunc(func() time.Time { return req.Deadline.Add(time.Second) })
	_, _, err = auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)

	_, err = auto.Execute(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	auto.mu.Lock()
	assert.Empty(t, auto.consumed)
	auto.mu.Unlock()
}

func TestExecuteRejectsExpiredRequest(t *testing.T) {
	auto, reg := lopsidedFixture(t)

	req, _, err := auto.Poll(context.Background(), testAsset)
	require.NoError(t, err)
	require.NotNil(t, req)

	// Rebuild the executor with a clock far past the deadline.
	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Second)
	require.NoError(t, err)
	wf := waterfall.New(reg, gath, testParams())
	wf.SetNowFunc(func() time.Time { return req.Deadline.Add(time.Minute) })
	auto.executor = wf

	_, err = auto.Execute(context.Background(), req.ID)
	assert.ErrorIs(t, err, waterfall.ErrDeadlineExceeded)
}

// blockingAdapter parks the first capability query until released so a test
// can hold a poll in flight.
type blockingAdapter struct {
	*backend.SimAdapter
	started chan struct{}
	release chan struct{}
	blocked bool
}

func (b *blockingAdapter) Supports(ctx context.Context, asset string) (bool, error) {
	if !b.blocked {
		b.blocked = true
		b.started <- struct{}{}
		<-b.release
	}
	return b.SimAdapter.Supports(ctx, asset)
}

func TestPollRejectsReentrantPoll(t *testing.T) {
	reg := registry.New()
	blocking := &blockingAdapter{
		SimAdapter: backend.NewSimAdapter("blocking", 500, testAsset),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	require.NoError(t, reg.Register(blocking, 10000))
	require.NoError(t, reg.Credit(testAsset, "blocking", sdkmath.NewInt(1000)))

	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Minute)
	require.NoError(t, err)
	auto := New(reg, gath, decision.New(testParams()), waterfall.New(reg, gath, testParams()), testParams())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = auto.Poll(context.Background(), testAsset)
	}()

	<-blocking.started
	assert.Equal(t, StateCheckPending, auto.StateOf(testAsset))

	_, _, err = auto.Poll(context.Background(), testAsset)
	assert.ErrorIs(t, err, ErrPollInFlight)

	close(blocking.release)
	<-done
	assert.Equal(t, StateIdle, auto.StateOf(testAsset))
}
