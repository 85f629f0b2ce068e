/*

This file contains the execution waterfall: the only component that moves
funds. Deposits fan out across the scorer's target vector, withdrawals drain
backends in registration order, and rebalance execution converges the current
allocation onto a target vector via withdraw-then-redeposit.

Slippage is validated post-hoc, after all backend side effects have been
applied: a failed check leaves funds correctly placed and surfaces as a hard
error so the caller knows its expectation was violated. That trade-off is
deliberate; the alternative (pre-validating against quotes) trusts backend
quotes more than their execution.

*/

package waterfall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/velikanghost/alioth-engine/internal/gatherer"
	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/scorer"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/utils"
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrNoUsableBackends       = errors.New("no operational backend can hold the asset")
	ErrSlippageExceeded       = errors.New("slippage tolerance exceeded")
	ErrDeadlineExceeded       = errors.New("rebalance request deadline has passed")
	ErrNilRequest             = errors.New("rebalance request cannot be nil")
	ErrInsufficientAllocation = errors.New("requested amount exceeds allocated total")
)

// Waterfall executes deposits, withdrawals, and rebalances against the
// registered backends. It must only be entered through the engine's per-asset
// critical section.
type Waterfall struct {
	registry *registry.Registry
	gatherer *gatherer.Gatherer
	params   types.StrategyParameters
	nowFn    func() time.Time
	log      zerolog.Logger
}

// New builds a waterfall over the given registry and gatherer.
func New(reg *registry.Registry, gath *gatherer.Gatherer, params types.StrategyParameters) *Waterfall {
	return &Waterfall{
		registry: reg,
		gatherer: gath,
		params:   params,
		nowFn:    time.Now,
		log:      logger.GetForComponent("execution_waterfall"),
	}
}

// SetNowFunc overrides the clock, for tests.
func (w *Waterfall) SetNowFunc(now func() time.Time) { w.nowFn = now }

// SetParameters swaps the strategy parameters (admin action).
func (w *Waterfall) SetParameters(params types.StrategyParameters) { w.params = params }

// Deposit places amount across the backends the scorer selects, returning the
// total shares minted. The batch-level slippage check runs after all deposits
// have been applied: on violation the allocation bookkeeping stands (funds
// really moved) and ErrSlippageExceeded is returned.
func (w *Waterfall) Deposit(ctx context.Context, asset string, amount, minShares sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if err := utils.ValidateAmount(amount); err != nil || amount.IsZero() {
		if err == nil {
			err = ErrInvalidAmount
		}
		return sdkmath.ZeroInt(), err
	}
	if maxSlippageBps <= 0 {
		maxSlippageBps = w.params.DefaultMaxSlippageBps
	}

	metricsList := w.gatherer.Collect(ctx, asset)
	targets, err := scorer.CalculateOptimalAllocation(metricsList, amount, w.params)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if len(targets) == 0 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: asset %s", ErrNoUsableBackends, asset)
	}

	totalShares := sdkmath.ZeroInt()
	placed := sdkmath.ZeroInt()
	for _, t := range targets {
		if !t.TargetAmount.IsPositive() {
			continue
		}
		adapter, ok := w.registry.AdapterFor(t.Backend)
		if !ok {
			w.log.Warn().Str("backend", string(t.Backend)).Msg("Target backend vanished mid-deposit, skipping")
			continue
		}

		stepMin, err := utils.MulBps(t.TargetAmount, types.BpsDenominator-maxSlippageBps)
		if err != nil {
			return totalShares, err
		}
		shares, err := adapter.Deposit(ctx, asset, t.TargetAmount, stepMin)
		if err != nil {
			// A failing backend never aborts the batch; the batch-level
			// slippage check decides whether the shortfall is fatal.
			w.log.Error().
				Str("backend", string(t.Backend)).
				Str("asset", asset).
				Str("amount", t.TargetAmount.String()).
				Err(err).
				Msg("Backend deposit failed, continuing waterfall")
			continue
		}
		if err := w.registry.Credit(asset, t.Backend, t.TargetAmount); err != nil {
			return totalShares, fmt.Errorf("allocation bookkeeping failed: %w", err)
		}
		totalShares = totalShares.Add(shares)
		placed = placed.Add(t.TargetAmount)
	}

	if placed.IsZero() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: every backend deposit failed for %s", ErrNoUsableBackends, asset)
	}

	if err := w.checkSlippage(totalShares, minShares, maxSlippageBps); err != nil {
		w.log.Error().
			Str("asset", asset).
			Str("received", totalShares.String()).
			Str("expected", minShares.String()).
			Msg("Deposit slippage check failed after side effects were applied")
		return totalShares, err
	}

	w.log.Info().
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("shares", totalShares.String()).
		Int("backends", len(targets)).
		Msg("Deposit waterfall complete")
	return totalShares, nil
}

// Withdraw drains backends in registration order until the requested amount
// is satisfied, then validates slippage on the total actually returned.
func (w *Waterfall) Withdraw(ctx context.Context, asset string, amount, minAmountOut sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if err := utils.ValidateAmount(amount); err != nil || amount.IsZero() {
		if err == nil {
			err = ErrInvalidAmount
		}
		return sdkmath.ZeroInt(), err
	}
	if maxSlippageBps <= 0 {
		maxSlippageBps = w.params.DefaultMaxSlippageBps
	}

	alloc := w.registry.Allocation(asset)
	if alloc.Total.LT(amount) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: allocated %s, requested %s", ErrInsufficientAllocation, alloc.Total, amount)
	}

	received := sdkmath.ZeroInt()
	remaining := amount
	for _, id := range w.registrationOrder(alloc) {
		if remaining.IsZero() {
			break
		}
		held := alloc.AmountFor(id)
		if held.IsZero() {
			continue
		}
		take := utils.MinInt(held, remaining)

		adapter, ok := w.registry.AdapterFor(id)
		if !ok {
			w.log.Warn().Str("backend", string(id)).Msg("Backend inactive during withdrawal walk, skipping")
			continue
		}
		stepMin, err := utils.MulBps(take, types.BpsDenominator-maxSlippageBps)
		if err != nil {
			return received, err
		}
		out, err := adapter.Withdraw(ctx, asset, take, stepMin)
		if err != nil {
			w.log.Error().
				Str("backend", string(id)).
				Str("asset", asset).
				Str("shares", take.String()).
				Err(err).
				Msg("Backend withdrawal failed, walking to next backend")
			continue
		}
		if err := w.registry.Debit(asset, id, take); err != nil {
			return received, fmt.Errorf("allocation bookkeeping failed: %w", err)
		}
		received = received.Add(out)
		remaining = remaining.Sub(take)
	}

	if err := w.checkSlippage(received, minAmountOut, maxSlippageBps); err != nil {
		w.log.Error().
			Str("asset", asset).
			Str("received", received.String()).
			Str("expected", minAmountOut.String()).
			Msg("Withdrawal slippage check failed after side effects were applied")
		return received, err
	}

	w.log.Info().
		Str("asset", asset).
		Str("requested", amount.String()).
		Str("received", received.String()).
		Msg("Withdrawal waterfall complete")
	return received, nil
}

// ExecuteRebalance converges the current allocation onto the request's target
// vector: every over-target backend is drained first, then the freed funds
// are redeposited to under-target backends. Execution failures are reported
// in the outcome, never retried here.
func (w *Waterfall) ExecuteRebalance(ctx context.Context, req *types.RebalanceRequest) (*types.RebalanceOutcome, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	now := w.nowFn()
	if now.After(req.Deadline) {
		return nil, fmt.Errorf("%w: deadline %s", ErrDeadlineExceeded, req.Deadline.Format(time.RFC3339))
	}

	outcome := &types.RebalanceOutcome{
		RequestID:      req.ID,
		Asset:          req.Asset,
		ImprovementBps: req.ImprovementBps,
		Targets:        req.Targets,
		Gained:         make(map[types.BackendID]string),
		Lost:           make(map[types.BackendID]string),
		Timestamp:      now,
	}

	maxSlippageBps := req.MaxSlippageBps
	if maxSlippageBps <= 0 {
		maxSlippageBps = w.params.DefaultMaxSlippageBps
	}

	targetFor := make(map[types.BackendID]sdkmath.Int, len(req.Targets))
	for _, t := range req.Targets {
		targetFor[t.Backend] = t.TargetAmount
	}

	alloc := w.registry.Allocation(req.Asset)

	// Phase 1: drain every backend holding more than its target.
	liquid := sdkmath.ZeroInt()
	for _, id := range w.registrationOrder(alloc) {
		held := alloc.AmountFor(id)
		target, ok := targetFor[id]
		if !ok {
			target = sdkmath.ZeroInt()
		}
		if !held.GT(target) {
			continue
		}
		delta := held.Sub(target)

		adapter, active := w.registry.AdapterFor(id)
		if !active {
			w.log.Warn().Str("backend", string(id)).Msg("Over-target backend inactive, cannot drain")
			continue
		}
		stepMin, err := utils.MulBps(delta, types.BpsDenominator-maxSlippageBps)
		if err != nil {
			return outcome, err
		}
		out, err := adapter.Withdraw(ctx, req.Asset, delta, stepMin)
		if err != nil {
			w.log.Error().Str("backend", string(id)).Err(err).Msg("Rebalance withdrawal failed, continuing")
			continue
		}
		if err := w.registry.Debit(req.Asset, id, delta); err != nil {
			return outcome, fmt.Errorf("allocation bookkeeping failed: %w", err)
		}
		liquid = liquid.Add(out)
		outcome.Lost[id] = delta.String()
	}

	// Phase 2: redeposit freed funds to under-target backends, in target order.
	for _, t := range req.Targets {
		if liquid.IsZero() {
			break
		}
		held := w.registry.Allocation(req.Asset).AmountFor(t.Backend)
		if !t.TargetAmount.GT(held) {
			continue
		}
		need := utils.MinInt(t.TargetAmount.Sub(held), liquid)

		adapter, active := w.registry.AdapterFor(t.Backend)
		if !active {
			continue
		}
		stepMin, err := utils.MulBps(need, types.BpsDenominator-maxSlippageBps)
		if err != nil {
			return outcome, err
		}
		if _, err := adapter.Deposit(ctx, req.Asset, need, stepMin); err != nil {
			w.log.Error().Str("backend", string(t.Backend)).Err(err).Msg("Rebalance deposit failed, continuing")
			continue
		}
		if err := w.registry.Credit(req.Asset, t.Backend, need); err != nil {
			return outcome, fmt.Errorf("allocation bookkeeping failed: %w", err)
		}
		liquid = liquid.Sub(need)
		outcome.Gained[t.Backend] = need.String()
	}

	// Fallback: whatever could not reach its intended target must not sit
	// undeployed. Place it with any backend that still has cap headroom.
	if liquid.IsPositive() {
		for _, t := range req.Targets {
			adapter, active := w.registry.AdapterFor(t.Backend)
			if !active {
				continue
			}
			if _, err := adapter.Deposit(ctx, req.Asset, liquid, sdkmath.ZeroInt()); err != nil {
				continue
			}
			if err := w.registry.Credit(req.Asset, t.Backend, liquid); err != nil {
				return outcome, fmt.Errorf("allocation bookkeeping failed: %w", err)
			}
			prev, ok := outcome.Gained[t.Backend]
			if ok {
				prevAmt, okParse := sdkmath.NewIntFromString(prev)
				if okParse {
					outcome.Gained[t.Backend] = prevAmt.Add(liquid).String()
				}
			} else {
				outcome.Gained[t.Backend] = liquid.String()
			}
			liquid = sdkmath.ZeroInt()
			break
		}
	}

	if liquid.IsPositive() {
		outcome.Success = false
		outcome.ErrorMessage = fmt.Sprintf("%s of %s could not be redeployed", liquid, req.Asset)
		w.log.Error().
			Str("asset", req.Asset).
			Str("undeployed", liquid.String()).
			Msg("Rebalance left undeployed funds, operator action required")
		return outcome, nil
	}

	outcome.Success = true
	w.registry.SetLastRebalance(req.Asset, now)
	w.log.Info().
		Str("asset", req.Asset).
		Str("request", req.ID).
		Int("gained", len(outcome.Gained)).
		Int("lost", len(outcome.Lost)).
		Msg("Rebalance execution complete")
	return outcome, nil
}

// checkSlippage validates a received amount against an expectation within the
// tolerance. A zero expectation disables the check.
func (w *Waterfall) checkSlippage(received, expected sdkmath.Int, maxSlippageBps int64) error {
	if expected.IsNil() || !expected.IsPositive() {
		return nil
	}
	threshold, err := utils.MulBps(expected, types.BpsDenominator-maxSlippageBps)
	if err != nil {
		return err
	}
	if received.LT(threshold) {
		return fmt.Errorf("%w: received %s, minimum %s", ErrSlippageExceeded, received, threshold)
	}
	return nil
}

// registrationOrder returns the allocation's backends sorted by registration
// sequence, the deterministic walk order for withdrawals and rebalances.
func (w *Waterfall) registrationOrder(alloc *types.AssetAllocation) []types.BackendID {
	ids := make([]types.BackendID, 0, len(alloc.Amounts))
	for id := range alloc.Amounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		ea, _ := w.registry.Entry(ids[a])
		eb, _ := w.registry.Entry(ids[b])
		return ea.RegistrationSeq < eb.RegistrationSeq
	})
	return ids
}
