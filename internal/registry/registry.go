/*

This file contains the protocol registry: the single owner of ProtocolEntry
and AssetAllocation state. Every other component reads through it; only the
execution waterfall mutates allocations, inside the engine's per-asset
critical section.

*/

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/velikanghost/alioth-engine/internal/backend"
	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/utils"
)

// MaxProtocols is the engineering limit on simultaneously active backends.
const MaxProtocols = 20

var (
	ErrRegistryFull      = errors.New("registry is at maximum active backends")
	ErrAlreadyRegistered = errors.New("backend already active")
	ErrNotRegistered     = errors.New("backend not active")
	ErrInvalidCap        = errors.New("allocation cap out of range")
	ErrInsufficientFunds = errors.New("allocated amount insufficient")
)

var registryLogger = logger.GetForComponent("protocol_registry")

// ActiveProtocol pairs an entry snapshot with its adapter for callers that
// need to query the backend.
type ActiveProtocol struct {
	Entry   types.ProtocolEntry
	Adapter backend.Adapter
}

type record struct {
	entry   types.ProtocolEntry
	adapter backend.Adapter
}

// Registry tracks active backends and per-asset allocations. It is an
// explicit owned store passed into every component; there are no ambient
// singletons.
type Registry struct {
	mu          sync.RWMutex
	order       []types.BackendID // registration order, never reshuffled
	records     map[types.BackendID]*record
	allocations map[string]*types.AssetAllocation
	nextSeq     int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		records:     make(map[types.BackendID]*record),
		allocations: make(map[string]*types.AssetAllocation),
	}
}

// Register adds a backend with the given per-backend weight cap. A previously
// deregistered backend may be re-activated; it keeps its registration order.
func (r *Registry) Register(adapter backend.Adapter, capBps int64) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}
	if capBps <= 0 || capBps > types.BpsDenominator {
		return fmt.Errorf("%w: %d", ErrInvalidCap, capBps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := adapter.ID()
	if rec, exists := r.records[id]; exists {
		if rec.entry.IsActive {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
		}
		if r.activeCountLocked() >= MaxProtocols {
			return ErrRegistryFull
		}
		rec.entry.IsActive = true
		rec.entry.MaxAllocationBps = capBps
		rec.adapter = adapter
		registryLogger.Info().Str("backend", string(id)).Int64("capBps", capBps).Msg("Backend re-activated")
		return nil
	}

	if r.activeCountLocked() >= MaxProtocols {
		return ErrRegistryFull
	}

	r.records[id] = &record{
		entry: types.ProtocolEntry{
			ID:               id,
			IsActive:         true,
			MaxAllocationBps: capBps,
			RegistrationSeq:  r.nextSeq,
		},
		adapter: adapter,
	}
	r.order = append(r.order, id)
	r.nextSeq++

	registryLogger.Info().Str("backend", string(id)).Int64("capBps", capBps).Msg("Backend registered")
	return nil
}

// Deregister soft-deletes a backend. Any non-zero AssetAllocation entries are
// preserved: draining them first is a documented operational precondition,
// not enforced here.
func (r *Registry) Deregister(id types.BackendID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists || !rec.entry.IsActive {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	rec.entry.IsActive = false

	registryLogger.Info().Str("backend", string(id)).Msg("Backend deregistered (allocation entries preserved)")
	return nil
}

// ListActive returns the active backends supporting the given asset, in
// registration order. A backend whose capability predicate fails is skipped,
// not fatal.
func (r *Registry) ListActive(ctx context.Context, asset string) []ActiveProtocol {
	r.mu.RLock()
	snapshot := make([]ActiveProtocol, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if rec.entry.IsActive {
			snapshot = append(snapshot, ActiveProtocol{Entry: rec.entry, Adapter: rec.adapter})
		}
	}
	r.mu.RUnlock()

	supported := make([]ActiveProtocol, 0, len(snapshot))
	for _, p := range snapshot {
		ok, err := p.Adapter.Supports(ctx, asset)
		if err != nil {
			registryLogger.Warn().
				Str("backend", string(p.Entry.ID)).
				Str("asset", asset).
				Err(err).
				Msg("Capability predicate failed, skipping backend")
			continue
		}
		if ok {
			supported = append(supported, p)
		}
	}
	return supported
}

// Entry returns a snapshot of the entry for id, active or not.
func (r *Registry) Entry(id types.BackendID) (types.ProtocolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return types.ProtocolEntry{}, false
	}
	return rec.entry, true
}

// AdapterFor returns the adapter for an active backend.
func (r *Registry) AdapterFor(id types.BackendID) (backend.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok || !rec.entry.IsActive {
		return nil, false
	}
	return rec.adapter, true
}

// UpdateCachedMetrics refreshes the cached APY and update time after a
// metrics gathering pass.
func (r *Registry) UpdateCachedMetrics(id types.BackendID, apyBps int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.entry.CachedAPY = apyBps
		rec.entry.LastUpdate = at
	}
}

// Allocation returns a deep copy of the asset's allocation, creating an empty
// one on first touch.
func (r *Registry) Allocation(asset string) *types.AssetAllocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if alloc, ok := r.allocations[asset]; ok {
		return alloc.Clone()
	}
	return types.NewAssetAllocation(asset)
}

// Credit records amount newly allocated to a backend.
func (r *Registry) Credit(asset string, id types.BackendID, amount sdkmath.Int) error {
	if err := utils.ValidateAmount(amount); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[asset]
	if !ok {
		alloc = types.NewAssetAllocation(asset)
		r.allocations[asset] = alloc
	}
	alloc.Amounts[id] = alloc.AmountFor(id).Add(amount)
	alloc.Total = alloc.Total.Add(amount)
	return nil
}

// Debit records amount removed from a backend's allocation.
func (r *Registry) Debit(asset string, id types.BackendID, amount sdkmath.Int) error {
	if err := utils.ValidateAmount(amount); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[asset]
	if !ok {
		return fmt.Errorf("%w: no allocation for asset %s", ErrInsufficientFunds, asset)
	}
	held := alloc.AmountFor(id)
	if held.LT(amount) {
		return fmt.Errorf("%w: backend %s holds %s, debit %s", ErrInsufficientFunds, id, held, amount)
	}
	remaining := held.Sub(amount)
	if remaining.IsZero() {
		delete(alloc.Amounts, id)
	} else {
		alloc.Amounts[id] = remaining
	}
	alloc.Total = alloc.Total.Sub(amount)
	return nil
}

// SetLastRebalance stamps the asset's last successful rebalance time.
func (r *Registry) SetLastRebalance(asset string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alloc, ok := r.allocations[asset]
	if !ok {
		alloc = types.NewAssetAllocation(asset)
		r.allocations[asset] = alloc
	}
	alloc.LastRebalance = t
}

// TotalValueLocked returns the asset's total allocated amount.
func (r *Registry) TotalValueLocked(asset string) sdkmath.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if alloc, ok := r.allocations[asset]; ok {
		return alloc.Total
	}
	return sdkmath.ZeroInt()
}

// ActiveCount reports how many backends are currently active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.entry.IsActive {
			n++
		}
	}
	return n
}
