package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/velikanghost/alioth-engine/internal/decision"
	"github.com/velikanghost/alioth-engine/internal/gatherer"
	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/scorer"
	"github.com/velikanghost/alioth-engine/internal/types"
)

// State identifies where an asset's automation loop currently sits.
type State string

const (
	StateIdle            State = "IDLE"
	StateCheckPending    State = "CHECK_PENDING"
	StateNoAction        State = "NO_ACTION"
	StateActionTriggered State = "ACTION_TRIGGERED"
)

// perMoveCostBps is the flat cost proxy charged per backend a rebalance
// would touch. Real execution cost depends on gas and pool depth; a flat
// per-move charge keeps the decision gate deterministic.
const perMoveCostBps int64 = 10

var (
	ErrPollInFlight    = errors.New("poll already in flight for asset")
	ErrUnknownRequest  = errors.New("rebalance request is unknown or superseded")
	ErrRequestConsumed = errors.New("rebalance request was already executed")
)

// Executor runs a validated rebalance request. Satisfied by the execution
// waterfall.
type Executor interface {
	ExecuteRebalance(ctx context.Context, req *types.RebalanceRequest) (*types.RebalanceOutcome, error)
}

// Automaton drives the poll/check/act cycle. One poll at a time per asset:
// a poll arriving while another is in flight is rejected outright rather
// than queued, so a slow metrics gather can never pile up checks behind it.
type Automaton struct {
	registry *registry.Registry
	gatherer *gatherer.Gatherer
	decision *decision.Engine
	executor Executor
	params   types.StrategyParameters

	mu         sync.Mutex
	states     map[string]State
	lastResult map[string]State
	pending    map[string]*types.RebalanceRequest
	consumed   map[string]time.Time // request ID -> deadline, pruned once past

	nowFn func() time.Time
	log   zerolog.Logger
}

// New builds the automation trigger over the given components.
func New(reg *registry.Registry, gath *gatherer.Gatherer, dec *decision.Engine, exec Executor, params types.StrategyParameters) *Automaton {
	return &Automaton{
		registry:   reg,
		gatherer:   gath,
		decision:   dec,
		executor:   exec,
		params:     params,
		states:     make(map[string]State),
		lastResult: make(map[string]State),
		pending:    make(map[string]*types.RebalanceRequest),
		consumed:   make(map[string]time.Time),
		nowFn:      time.Now,
		log:        logger.GetForComponent("automation_trigger"),
	}
}

// SetNowFunc overrides the clock, for tests.
func (a *Automaton) SetNowFunc(now func() time.Time) { a.nowFn = now }

// SetParameters swaps the strategy parameters (admin action).
func (a *Automaton) SetParameters(params types.StrategyParameters) {
	a.mu.Lock()
	a.params = params
	a.mu.Unlock()
}

// StateOf reports the asset's current automation state.
func (a *Automaton) StateOf(asset string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[asset]; ok {
		return s
	}
	return StateIdle
}

// LastResult reports how the asset's most recent poll settled, NO_ACTION or
// ACTION_TRIGGERED. Returns IDLE when the asset has never been polled.
func (a *Automaton) LastResult(asset string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.lastResult[asset]; ok {
		return s
	}
	return StateIdle
}

// Poll runs one check cycle for the asset: gather metrics, score the optimal
// vector, and evaluate the rebalance decision. When the decision gates pass
// it returns a one-shot RebalanceRequest for Execute; otherwise the request
// is nil and the decision carries the reason. The asset always lands back in
// IDLE, whatever happens.
func (a *Automaton) Poll(ctx context.Context, asset string) (*types.RebalanceRequest, types.Decision, error) {
	a.mu.Lock()
	if s, ok := a.states[asset]; ok && s == StateCheckPending {
		a.mu.Unlock()
		return nil, types.Decision{}, fmt.Errorf("%w: %s", ErrPollInFlight, asset)
	}
	a.states[asset] = StateCheckPending
	a.pruneExpired(a.nowFn())
	params := a.params
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.states[asset] = StateIdle
		a.mu.Unlock()
	}()

	alloc := a.registry.Allocation(asset)
	if !alloc.Total.IsPositive() {
		d := types.Decision{Reason: "nothing allocated"}
		a.settle(asset, StateNoAction)
		return nil, d, nil
	}

	metricsList := a.gatherer.Collect(ctx, asset)
	targets, err := scorer.CalculateOptimalAllocation(metricsList, alloc.Total, params)
	if err != nil {
		a.settle(asset, StateNoAction)
		return nil, types.Decision{}, fmt.Errorf("scoring failed for %s: %w", asset, err)
	}

	costBps := int64(countMoves(alloc, targets)) * perMoveCostBps
	d, err := a.decision.Evaluate(alloc, metricsList, targets, params.MinImprovementBps, costBps)
	if err != nil {
		a.settle(asset, StateNoAction)
		return nil, types.Decision{}, err
	}
	if !d.ShouldRebalance {
		a.settle(asset, StateNoAction)
		return nil, d, nil
	}

	now := a.nowFn()
	req := &types.RebalanceRequest{
		ID:             uuid.New().String(),
		Asset:          asset,
		Targets:        targets,
		MaxSlippageBps: params.DefaultMaxSlippageBps,
		Deadline:       now.Add(params.RequestDeadline),
		ImprovementBps: d.ImprovementBps,
	}

	a.mu.Lock()
	a.pending[req.ID] = req
	a.mu.Unlock()
	a.settle(asset, StateActionTriggered)

	a.log.Info().
		Str("asset", asset).
		Str("request", req.ID).
		Int64("improvement", d.ImprovementBps).
		Time("deadline", req.Deadline).
		Msg("Rebalance triggered")
	return req, d, nil
}

// Execute consumes a triggered request exactly once and hands it to the
// executor. Expired or already-consumed requests are rejected; a failed
// execution is reported in the outcome and never retried here.
func (a *Automaton) Execute(ctx context.Context, requestID string) (*types.RebalanceOutcome, error) {
	a.mu.Lock()
	if _, done := a.consumed[requestID]; done {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestConsumed, requestID)
	}
	req, ok := a.pending[requestID]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(a.pending, requestID)
	a.consumed[requestID] = req.Deadline
	a.mu.Unlock()

	outcome, err := a.executor.ExecuteRebalance(ctx, req)
	if err != nil {
		a.log.Error().Str("request", requestID).Err(err).Msg("Rebalance execution rejected")
		return nil, err
	}
	if !outcome.Success {
		a.log.Error().
			Str("request", requestID).
			Str("error", outcome.ErrorMessage).
			Msg("Rebalance execution failed")
	}
	return outcome, nil
}

// RequestAsset resolves a pending request ID to its asset, so the caller can
// take the asset's critical section before Execute.
func (a *Automaton) RequestAsset(requestID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.pending[requestID]
	if !ok {
		return "", false
	}
	return req.Asset, true
}

// pruneExpired drops requests whose deadline has passed, both untouched
// pending ones and the consumed tombstones, so the maps stay bounded over a
// long-running daemon. Callers hold a.mu.
func (a *Automaton) pruneExpired(now time.Time) {
	for id, req := range a.pending {
		if now.After(req.Deadline) {
			delete(a.pending, id)
		}
	}
	for id, deadline := range a.consumed {
		if now.After(deadline) {
			delete(a.consumed, id)
		}
	}
}

// settle records how the poll resolved. The deferred transition in Poll
// returns the live state to IDLE; lastResult keeps the resolution visible.
func (a *Automaton) settle(asset string, s State) {
	a.mu.Lock()
	a.lastResult[asset] = s
	a.mu.Unlock()
}

// countMoves counts the backends whose holding differs from its target.
func countMoves(alloc *types.AssetAllocation, targets []types.AllocationTarget) int {
	moves := 0
	seen := make(map[types.BackendID]struct{}, len(targets))
	for _, t := range targets {
		seen[t.Backend] = struct{}{}
		if !alloc.AmountFor(t.Backend).Equal(t.TargetAmount) {
			moves++
		}
	}
	for id, amt := range alloc.Amounts {
		if _, ok := seen[id]; ok {
			continue
		}
		if amt.IsPositive() {
			moves++
		}
	}
	return moves
}
