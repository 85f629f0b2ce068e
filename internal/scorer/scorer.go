/*

This file contains the allocation scorer. It converts gathered backend metrics
into a per-backend score and a target allocation vector that honors the global
and per-backend caps plus the diversification floor. All arithmetic is exact
integer math in basis points; the output amounts always sum to the requested
total.

*/

package scorer

import (
	"errors"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"

	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/utils"
)

var (
	ErrInvalidTotal      = errors.New("total amount is invalid")
	ErrCapsInfeasible    = errors.New("allocation caps cannot absorb the total amount")
	ErrConservationBroken = errors.New("allocation does not conserve the total amount")
)

var scoreLogger = logger.GetForComponent("allocation_scorer")

const maxCapIterations = 20 // bounds the cap lock-set loop

// maxScoreInputBps caps untrusted bps-scale inputs before the weight
// multiplication so a hostile backend cannot overflow int64 arithmetic.
const maxScoreInputBps int64 = 1_000_000

// CalculateOptimalAllocation produces the target allocation vector for the
// given total across the supplied metrics snapshots. The metrics slice must be
// in registration order; that order is the deterministic tie-break everywhere.
//
// Zero operational backends is a valid terminal result (empty vector), not an
// error. Caps that cannot absorb the total are an error, mirroring the
// rejection of unsatisfiable constraints at validation time.
func CalculateOptimalAllocation(
	metricsList []types.ProtocolMetrics,
	total sdkmath.Int,
	params types.StrategyParameters,
) ([]types.AllocationTarget, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if total.IsNil() || total.IsNegative() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTotal, total)
	}

	// 1. Filter to operational backends only.
	operational := make([]types.ProtocolMetrics, 0, len(metricsList))
	for _, m := range metricsList {
		if m.Operational {
			operational = append(operational, m)
		}
	}
	if len(operational) == 0 || total.IsZero() {
		scoreLogger.Debug().Int("candidates", len(metricsList)).Msg("Nothing to allocate")
		return []types.AllocationTarget{}, nil
	}

	// 2. Score each backend.
	scores := make([]int64, len(operational))
	apyComponents := make([]int64, len(operational))
	for i, m := range operational {
		scores[i], apyComponents[i] = scoreBackend(m, params)
	}

	// 3. All-zero or fully tied scores fall back to equal weighting rather
	// than dividing by zero.
	if allEqual(scores) {
		scoreLogger.Debug().Int64("score", scores[0]).Msg("Scores tied, falling back to equal allocation")
		for i := range scores {
			scores[i] = 1
		}
	}

	// 4. Per-backend cap amounts and feasibility.
	caps := make([]sdkmath.Int, len(operational))
	capTotal := sdkmath.ZeroInt()
	for i, m := range operational {
		capBps := params.GlobalCapBps
		if m.MaxAllocationBps > 0 {
			capBps = utils.MinInt64(capBps, m.MaxAllocationBps)
		}
		capAmt, err := utils.MulBps(total, capBps)
		if err != nil {
			return nil, err
		}
		caps[i] = capAmt
		capTotal = capTotal.Add(capAmt)
	}
	if capTotal.LT(total) {
		return nil, fmt.Errorf("%w: caps absorb %s of %s", ErrCapsInfeasible, capTotal, total)
	}

	// 5. Proportional allocation with iterative cap enforcement.
	amounts, err := allocateProportional(scores, caps, total)
	if err != nil {
		return nil, err
	}

	// 6. Diversification floor for the top-ranked backends.
	if params.DiversificationTargetBps > types.DiversificationFloorTriggerBps && len(operational) >= 2 {
		if err := enforceDiversificationFloor(amounts, caps, total, params); err != nil {
			return nil, err
		}
	}

	// Final conservation check before anything leaves this function.
	sum := sdkmath.ZeroInt()
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	if !sum.Equal(total) {
		return nil, fmt.Errorf("%w: allocated %s of %s", ErrConservationBroken, sum, total)
	}

	targets := make([]types.AllocationTarget, len(operational))
	for i, m := range operational {
		bps, err := utils.BpsOf(amounts[i], total)
		if err != nil {
			return nil, err
		}
		targets[i] = types.AllocationTarget{
			Backend:      m.Backend,
			TargetBps:    bps,
			TargetAmount: amounts[i],
			ObservedAPY:  apyComponents[i],
		}
	}

	scoreLogger.Debug().
		Int("backends", len(targets)).
		Str("total", total.String()).
		Msg("Target allocation computed")
	return targets, nil
}

// scoreBackend computes the composite score for one backend plus the APY
// component it used, both in the bps integer scale. A stale or absent oracle
// price zeroes the market-weight and price-reliability bonuses; scoring
// proceeds regardless. Backend-reported bps values are untrusted and are
// clamped to maxScoreInputBps before any multiplication.
func scoreBackend(m types.ProtocolMetrics, params types.StrategyParameters) (score int64, apyComponent int64) {
	apyComponent = clampScoreInput(m.APY)
	if params.TrustOracleRates && m.OracleRate > 0 {
		apyComponent = clampScoreInput(m.OracleRate)
	}

	score = apyComponent * params.ApyWeightBps / types.BpsDenominator

	if m.PriceUSD > 0 {
		score += params.MarketWeightBps
		score += params.PriceReliabilityBps
	}

	score += clampScoreInput(m.HealthScore) * params.HealthWeightBps / types.BpsDenominator

	liquidityBonus := int64(0)
	if !m.LiquidityDepth.IsNil() && m.LiquidityDepth.IsPositive() {
		depthPoints := m.LiquidityDepth.QuoRaw(params.LiquidityDivisor)
		if depthPoints.IsInt64() {
			liquidityBonus = utils.MinInt64(depthPoints.Int64(), params.LiquidityBonusCapBps)
		} else {
			liquidityBonus = params.LiquidityBonusCapBps
		}
	}
	score += liquidityBonus

	score -= clampScoreInput(m.VolatilityBps) * params.VolatilityWeightBps / types.BpsDenominator

	if score < 0 {
		score = 0
	}
	return score, apyComponent
}

func clampScoreInput(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > maxScoreInputBps {
		return maxScoreInputBps
	}
	return v
}

func allEqual(scores []int64) bool {
	for _, s := range scores[1:] {
		if s != scores[0] {
			return false
		}
	}
	return true
}

// allocateProportional distributes total by score, locking any backend whose
// proportional share exceeds its cap at that cap and re-running over the
// remainder. The shape mirrors iterative min/max constraint enforcement with
// a bounded iteration count; the caller has already checked feasibility.
func allocateProportional(scores []int64, caps []sdkmath.Int, total sdkmath.Int) ([]sdkmath.Int, error) {
	n := len(scores)
	amounts := make([]sdkmath.Int, n)
	lockedAt := make([]bool, n)

	for iter := 0; iter < maxCapIterations; iter++ {
		remaining := total
		var sumScore int64
		unlocked := 0
		for i := 0; i < n; i++ {
			if lockedAt[i] {
				remaining = remaining.Sub(caps[i])
			} else {
				sumScore += scores[i]
				unlocked++
			}
		}
		if unlocked == 0 {
			break
		}

		changed := false
		for i := 0; i < n; i++ {
			if lockedAt[i] {
				amounts[i] = caps[i]
				continue
			}
			var share sdkmath.Int
			if sumScore > 0 {
				share = remaining.MulRaw(scores[i]).QuoRaw(sumScore)
			} else {
				// Remaining capital but no score mass left: spread equally.
				share = remaining.QuoRaw(int64(unlocked))
			}
			if share.GT(caps[i]) {
				lockedAt[i] = true
				amounts[i] = caps[i]
				changed = true
				continue
			}
			amounts[i] = share
		}
		if !changed {
			break
		}
	}

	// Integer division leaves dust; absorb it into the lowest-index entry
	// with cap headroom to guarantee exact conservation.
	sum := sdkmath.ZeroInt()
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	dust := total.Sub(sum)
	if dust.IsNegative() {
		return nil, fmt.Errorf("%w: over-allocated by %s", ErrConservationBroken, dust.Neg())
	}
	for i := 0; i < n && dust.IsPositive(); i++ {
		headroom := caps[i].Sub(amounts[i])
		if headroom.IsPositive() {
			take := utils.MinInt(headroom, dust)
			amounts[i] = amounts[i].Add(take)
			dust = dust.Sub(take)
		}
	}
	if dust.IsPositive() {
		return nil, fmt.Errorf("%w: %s of dust has no cap headroom", ErrCapsInfeasible, dust)
	}
	return amounts, nil
}

// enforceDiversificationFloor guarantees each of the top-N backends by raw
// allocation at least the floor share. Deficits are funded first from the
// backends outside the top set, which may drain to zero, and then from
// top-set backends holding more than their own floor, which never drop below
// it. Ranking uses a stable descending sort so ties resolve by registration
// order. Moves only redistribute existing amounts, so conservation is
// preserved by construction.
func enforceDiversificationFloor(amounts, caps []sdkmath.Int, total sdkmath.Int, params types.StrategyParameters) error {
	n := len(amounts)
	floorAmt, err := utils.MulBps(total, params.DiversificationFloorBps)
	if err != nil {
		return err
	}
	if floorAmt.IsZero() {
		return nil
	}

	topN := params.DiversificationTopN
	if topN > n {
		topN = n
	}

	rank := make([]int, n)
	for i := range rank {
		rank[i] = i
	}
	sort.SliceStable(rank, func(a, b int) bool {
		return amounts[rank[a]].GT(amounts[rank[b]])
	})

	inTop := make([]bool, n)
	for _, idx := range rank[:topN] {
		inTop[idx] = true
	}

	for _, idx := range rank[:topN] {
		// The floor never overrides the cap.
		want := utils.MinInt(floorAmt, caps[idx])
		deficit := want.Sub(amounts[idx])
		if !deficit.IsPositive() {
			continue
		}

		taken := drainDonors(amounts, deficit, func(d int) sdkmath.Int {
			if d == idx || inTop[d] {
				return sdkmath.ZeroInt()
			}
			return amounts[d]
		})
		if taken.LT(deficit) {
			taken = taken.Add(drainDonors(amounts, deficit.Sub(taken), func(d int) sdkmath.Int {
				if d == idx || !inTop[d] {
					return sdkmath.ZeroInt()
				}
				keep := utils.MinInt(floorAmt, caps[d])
				if amounts[d].LTE(keep) {
					return sdkmath.ZeroInt()
				}
				return amounts[d].Sub(keep)
			}))
		}
		if taken.LT(deficit) {
			// Only reachable when topN floors exceed the total or caps bind.
			scoreLogger.Warn().
				Str("floor", floorAmt.String()).
				Str("unfunded", deficit.Sub(taken).String()).
				Msg("Diversification floor partially unfunded")
		}
		amounts[idx] = amounts[idx].Add(taken)
	}
	return nil
}

// drainDonors takes up to need from the donors described by capacity,
// proportionally to each donor's spare capacity, sweeping division dust in
// index order. It mutates amounts and returns the total taken.
func drainDonors(amounts []sdkmath.Int, need sdkmath.Int, capacity func(int) sdkmath.Int) sdkmath.Int {
	n := len(amounts)
	spare := make([]sdkmath.Int, n)
	pool := sdkmath.ZeroInt()
	for d := 0; d < n; d++ {
		spare[d] = capacity(d)
		pool = pool.Add(spare[d])
	}
	if pool.IsZero() {
		return sdkmath.ZeroInt()
	}
	if need.GT(pool) {
		need = pool
	}

	taken := sdkmath.ZeroInt()
	for d := 0; d < n; d++ {
		if spare[d].IsZero() {
			continue
		}
		take := need.Mul(spare[d]).Quo(pool)
		take = utils.MinInt(take, spare[d])
		amounts[d] = amounts[d].Sub(take)
		spare[d] = spare[d].Sub(take)
		taken = taken.Add(take)
	}
	for d := 0; d < n && taken.LT(need); d++ {
		if spare[d].IsZero() {
			continue
		}
		take := utils.MinInt(spare[d], need.Sub(taken))
		amounts[d] = amounts[d].Sub(take)
		taken = taken.Add(take)
	}
	return taken
}
