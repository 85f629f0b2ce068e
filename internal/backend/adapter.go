package backend

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/velikanghost/alioth-engine/internal/types"
)

// Adapter defines the capability interface every yield backend must expose.
// Concrete adapters (live protocol integrations, the simulated backend) live
// behind this interface; the core never sees protocol-specific mechanics.
//
// All data returned by an Adapter is untrusted: the gatherer re-validates it
// and a failing or misbehaving adapter is excluded from scoring, never allowed
// to abort a batch.
type Adapter interface {
	// ID returns the stable backend identifier used by the registry.
	ID() types.BackendID

	// Supports reports whether this backend accepts the given asset.
	Supports(ctx context.Context, asset string) (bool, error)

	// APY returns the backend's self-reported annualized yield in bps.
	APY(ctx context.Context, asset string) (int64, error)

	// TVL returns the backend's total value locked for the asset.
	TVL(ctx context.Context, asset string) (sdkmath.Int, error)

	// Deposit places amount with the backend and returns the shares minted.
	// The backend enforces minShares itself; the waterfall additionally
	// validates batch-level slippage after all deposits complete.
	Deposit(ctx context.Context, asset string, amount, minShares sdkmath.Int) (sdkmath.Int, error)

	// Withdraw redeems shares and returns the amount released.
	Withdraw(ctx context.Context, asset string, shares, minAmount sdkmath.Int) (sdkmath.Int, error)

	// HealthMetrics returns the backend's health, liquidity depth, and
	// utilization for the asset.
	HealthMetrics(ctx context.Context, asset string) (types.HealthMetrics, error)

	// RiskScore returns the backend's risk score in bps (higher = riskier).
	RiskScore(ctx context.Context, asset string) (int64, error)

	// OperationalStatus reports whether the backend is accepting operations
	// for the asset, with a human-readable reason when it is not.
	OperationalStatus(ctx context.Context, asset string) (bool, string, error)
}
