/*

This file contains the top-level engine: the single entry point every
external surface (web API, scheduler, integrations) goes through. It owns
capability checks, the emergency stop, and the per-asset critical sections
that serialize all fund-moving operations on one asset.

*/

package engine

import (
	"context"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/velikanghost/alioth-engine/internal/backend"
	"github.com/velikanghost/alioth-engine/internal/decision"
	"github.com/velikanghost/alioth-engine/internal/gatherer"
	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/scorer"
	"github.com/velikanghost/alioth-engine/internal/trigger"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/waterfall"
)

// DefaultConfigName is the strategy parameter row the engine loads at boot.
const (
	DefaultConfigName    = "default_engine_strategy"
	DefaultConfigVersion = 1
)

// Recorder persists poll numbers and rebalance outcomes. A nil recorder
// disables persistence, which is how tests and pure sim runs operate.
type Recorder interface {
	NextPollNumber() (int64, error)
	SaveOutcome(outcome *types.RebalanceOutcome) error
	SaveParameters(params types.StrategyParameters) (int64, error)
}

// Engine composes the registry, gatherer, decision engine, waterfall, and
// automation trigger behind a capability-checked surface.
type Engine struct {
	registry  *registry.Registry
	gatherer  *gatherer.Gatherer
	decision  *decision.Engine
	waterfall *waterfall.Waterfall
	automaton *trigger.Automaton
	recorder  Recorder

	paramsMu sync.RWMutex
	params   types.StrategyParameters

	assetMuMu sync.Mutex
	assetMu   map[string]*sync.Mutex

	stopMu  sync.RWMutex
	stopped bool

	// pollNumbers maps triggered request IDs to the poll that produced them,
	// so the outcome row carries the right poll number.
	pollMu      sync.Mutex
	pollNumbers map[string]int64

	log zerolog.Logger
}

// New wires an engine from its components. recorder may be nil.
func New(
	reg *registry.Registry,
	gath *gatherer.Gatherer,
	dec *decision.Engine,
	wf *waterfall.Waterfall,
	auto *trigger.Automaton,
	params types.StrategyParameters,
	recorder Recorder,
) *Engine {
	return &Engine{
		registry:    reg,
		gatherer:    gath,
		decision:    dec,
		waterfall:   wf,
		automaton:   auto,
		recorder:    recorder,
		params:      params,
		assetMu:     make(map[string]*sync.Mutex),
		pollNumbers: make(map[string]int64),
		log:         logger.GetForComponent("engine"),
	}
}

// assetLock returns the mutex serializing all fund movement on one asset.
func (e *Engine) assetLock(asset string) *sync.Mutex {
	e.assetMuMu.Lock()
	defer e.assetMuMu.Unlock()
	mu, ok := e.assetMu[asset]
	if !ok {
		mu = &sync.Mutex{}
		e.assetMu[asset] = mu
	}
	return mu
}

func (e *Engine) checkRunning() error {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		return ErrEmergencyStopped
	}
	return nil
}

// EmergencyStop halts every mutating operation until Resume. Reads keep
// working so operators can inspect state while stopped.
func (e *Engine) EmergencyStop(caller Caller) error {
	if err := caller.require(CapabilityAdmin); err != nil {
		return err
	}
	e.stopMu.Lock()
	e.stopped = true
	e.stopMu.Unlock()
	e.log.Warn().Str("caller", caller.Name).Msg("EMERGENCY STOP engaged, all mutators halted")
	return nil
}

// Resume lifts the emergency stop.
func (e *Engine) Resume(caller Caller) error {
	if err := caller.require(CapabilityAdmin); err != nil {
		return err
	}
	e.stopMu.Lock()
	e.stopped = false
	e.stopMu.Unlock()
	e.log.Info().Str("caller", caller.Name).Msg("Emergency stop lifted")
	return nil
}

// Stopped reports whether the emergency stop is engaged.
func (e *Engine) Stopped() bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	return e.stopped
}

// RegisterProtocol adds a backend with its allocation cap.
func (e *Engine) RegisterProtocol(caller Caller, adapter backend.Adapter, capBps int64) error {
	if err := caller.require(CapabilityAdmin); err != nil {
		return err
	}
	if err := e.checkRunning(); err != nil {
		return err
	}
	return e.registry.Register(adapter, capBps)
}

// DeregisterProtocol soft-deletes a backend. Funds already allocated to it
// stay tracked until withdrawn or rebalanced away.
func (e *Engine) DeregisterProtocol(caller Caller, id types.BackendID) error {
	if err := caller.require(CapabilityAdmin); err != nil {
		return err
	}
	if err := e.checkRunning(); err != nil {
		return err
	}
	return e.registry.Deregister(id)
}

// UpdateStrategy validates and activates a new parameter set, persisting it
// when a recorder is attached.
func (e *Engine) UpdateStrategy(caller Caller, params types.StrategyParameters) error {
	if err := caller.require(CapabilityAdmin); err != nil {
		return err
	}
	if err := e.checkRunning(); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}

	e.paramsMu.Lock()
	e.params = params
	e.paramsMu.Unlock()
	e.decision.SetParameters(params)
	e.waterfall.SetParameters(params)
	e.automaton.SetParameters(params)

	if e.recorder != nil {
		version, err := e.recorder.SaveParameters(params)
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to persist strategy parameters")
			return fmt.Errorf("failed to persist strategy parameters: %w", err)
		}
		e.log.Info().Int64("version", version).Str("caller", caller.Name).Msg("Strategy parameters updated")
		return nil
	}
	e.log.Info().Str("caller", caller.Name).Msg("Strategy parameters updated (no persistence)")
	return nil
}

// Parameters returns the active strategy parameters.
func (e *Engine) Parameters() types.StrategyParameters {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}

// Deposit places funds across the scored backends and returns shares minted.
func (e *Engine) Deposit(ctx context.Context, caller Caller, asset string, amount, minShares sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if err := caller.require(CapabilityIntegrator); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if err := e.checkRunning(); err != nil {
		return sdkmath.ZeroInt(), err
	}
	mu := e.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	return e.waterfall.Deposit(ctx, asset, amount, minShares, maxSlippageBps)
}

// Withdraw drains funds from backends in registration order.
func (e *Engine) Withdraw(ctx context.Context, caller Caller, asset string, amount, minAmountOut sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if err := caller.require(CapabilityIntegrator); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if err := e.checkRunning(); err != nil {
		return sdkmath.ZeroInt(), err
	}
	mu := e.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	return e.waterfall.Withdraw(ctx, asset, amount, minAmountOut, maxSlippageBps)
}

// Poll runs one automation check for the asset. A triggered request must be
// handed back to Execute; nothing is executed here.
func (e *Engine) Poll(ctx context.Context, caller Caller, asset string) (*types.RebalanceRequest, types.Decision, error) {
	if err := caller.require(CapabilityRebalancer); err != nil {
		return nil, types.Decision{}, err
	}
	if err := e.checkRunning(); err != nil {
		return nil, types.Decision{}, err
	}

	pollNumber := int64(0)
	if e.recorder != nil {
		n, err := e.recorder.NextPollNumber()
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to advance poll counter")
		} else {
			pollNumber = n
		}
	}

	req, d, err := e.automaton.Poll(ctx, asset)
	if err != nil {
		return nil, d, err
	}
	if req != nil {
		e.pollMu.Lock()
		e.pollNumbers[req.ID] = pollNumber
		e.pollMu.Unlock()
	}
	return req, d, nil
}

// Execute consumes a triggered rebalance request inside the asset's critical
// section and persists the outcome.
func (e *Engine) Execute(ctx context.Context, caller Caller, requestID string) (*types.RebalanceOutcome, error) {
	if err := caller.require(CapabilityRebalancer); err != nil {
		return nil, err
	}
	if err := e.checkRunning(); err != nil {
		return nil, err
	}

	asset, ok := e.automaton.RequestAsset(requestID)
	if !ok {
		// Let the automaton produce the precise rejection (consumed vs unknown).
		return e.automaton.Execute(ctx, requestID)
	}

	mu := e.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()

	outcome, err := e.automaton.Execute(ctx, requestID)
	if err != nil {
		return nil, err
	}

	e.pollMu.Lock()
	outcome.PollNumber = e.pollNumbers[requestID]
	delete(e.pollNumbers, requestID)
	e.pollMu.Unlock()

	if e.recorder != nil {
		if err := e.recorder.SaveOutcome(outcome); err != nil {
			e.log.Error().Err(err).Str("request", requestID).Msg("Failed to persist rebalance outcome")
		}
	}
	return outcome, nil
}

// CalculateOptimalAllocation is a read-only dry run of the scorer for an
// arbitrary amount, open to any caller.
func (e *Engine) CalculateOptimalAllocation(ctx context.Context, asset string, amount sdkmath.Int) ([]types.AllocationTarget, error) {
	metricsList := e.gatherer.Collect(ctx, asset)
	return scorer.CalculateOptimalAllocation(metricsList, amount, e.Parameters())
}

// ShouldRebalance answers whether a rebalance would clear the improvement
// threshold right now, without creating a request.
func (e *Engine) ShouldRebalance(ctx context.Context, asset string, minImprovementBps int64) (bool, int64, error) {
	alloc := e.registry.Allocation(asset)
	if !alloc.Total.IsPositive() {
		return false, 0, nil
	}
	metricsList := e.gatherer.Collect(ctx, asset)
	targets, err := scorer.CalculateOptimalAllocation(metricsList, alloc.Total, e.Parameters())
	if err != nil {
		return false, 0, err
	}
	d, err := e.decision.Evaluate(alloc, metricsList, targets, minImprovementBps, 0)
	if err != nil {
		return false, 0, err
	}
	return d.ShouldRebalance, d.ImprovementBps, nil
}

// CurrentAllocation returns a copy of the asset's allocation.
func (e *Engine) CurrentAllocation(asset string) *types.AssetAllocation {
	return e.registry.Allocation(asset)
}

// TotalValueLocked returns the total allocated across backends for the asset.
func (e *Engine) TotalValueLocked(asset string) sdkmath.Int {
	return e.registry.TotalValueLocked(asset)
}

// TriggerState reports the automation state for the asset.
func (e *Engine) TriggerState(asset string) (trigger.State, trigger.State) {
	return e.automaton.StateOf(asset), e.automaton.LastResult(asset)
}

// Registry exposes the protocol registry for read-only surfaces.
func (e *Engine) Registry() *registry.Registry { return e.registry }
