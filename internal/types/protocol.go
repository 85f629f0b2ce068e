/*

This file contains the registry-owned types describing a yield backend and the
capital currently allocated to it.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// BackendID identifies a registered yield backend. IDs are assigned by the
// operator at registration time and are stable for the life of the entry.
type BackendID string

// ProtocolEntry is the registry's record for a single backend. Entries are
// soft-deleted (IsActive=false) on deregistration because historical
// allocations may still reference them.
type ProtocolEntry struct {
	ID               BackendID `json:"id"`
	IsActive         bool      `json:"is_active"`
	CachedAPY        int64     `json:"cached_apy_bps"`         // last observed APY in bps, refreshed by the gatherer
	LastUpdate       time.Time `json:"last_update"`            // timestamp of the last metrics refresh
	MaxAllocationBps int64     `json:"max_allocation_bps"`     // per-backend weight cap, set at registration
	RegistrationSeq  int       `json:"registration_seq"`       // stable ordering for tie-breaks and withdraw order
}

// AssetAllocation tracks, per asset, the capital the engine has placed with
// each backend. Invariant: the per-backend amounts sum to Total at all times
// except inside a mutating waterfall call.
type AssetAllocation struct {
	Asset         string                    `json:"asset"`
	Total         sdkmath.Int               `json:"total"`
	Amounts       map[BackendID]sdkmath.Int `json:"amounts"`
	LastRebalance time.Time                 `json:"last_rebalance"`
}

// NewAssetAllocation returns an empty allocation for the given asset.
func NewAssetAllocation(asset string) *AssetAllocation {
	return &AssetAllocation{
		Asset:   asset,
		Total:   sdkmath.ZeroInt(),
		Amounts: make(map[BackendID]sdkmath.Int),
	}
}

// AmountFor returns the amount allocated to a backend, zero if none.
func (a *AssetAllocation) AmountFor(id BackendID) sdkmath.Int {
	if amt, ok := a.Amounts[id]; ok && !amt.IsNil() {
		return amt
	}
	return sdkmath.ZeroInt()
}

// Clone returns a deep copy so callers can read allocation state without
// holding registry locks.
func (a *AssetAllocation) Clone() *AssetAllocation {
	cp := &AssetAllocation{
		Asset:         a.Asset,
		Total:         a.Total,
		Amounts:       make(map[BackendID]sdkmath.Int, len(a.Amounts)),
		LastRebalance: a.LastRebalance,
	}
	for id, amt := range a.Amounts {
		cp.Amounts[id] = amt
	}
	return cp
}
