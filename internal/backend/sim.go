package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"

	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/utils"
)

var (
	ErrBackendFailing     = errors.New("backend failure injected")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrMinSharesNotMet    = errors.New("minimum shares not met")
	ErrMinAmountNotMet    = errors.New("minimum amount not met")
)

// SimAdapter is an in-memory backend used by sim mode and by tests. Shares
// mint 1:1 against deposits unless a haircut is configured, and every query
// can be failed on demand to exercise the gatherer's fault isolation.
type SimAdapter struct {
	mu sync.Mutex

	id     types.BackendID
	assets map[string]bool

	apyBps         int64
	riskBps        int64
	healthBps      int64
	utilizationBps int64
	liquidity      sdkmath.Int

	operational  bool
	statusReason string
	failQueries  bool
	failDeposits bool

	// haircutBps shaves the given fraction off every deposit's minted shares
	// and every withdrawal's released amount, simulating slippage.
	haircutBps int64

	shares map[string]sdkmath.Int // asset -> shares held by the engine
}

// NewSimAdapter returns an operational simulated backend supporting the given
// assets, with zero risk and full health until configured otherwise.
func NewSimAdapter(id types.BackendID, apyBps int64, assets ...string) *SimAdapter {
	supported := make(map[string]bool, len(assets))
	for _, a := range assets {
		supported[a] = true
	}
	return &SimAdapter{
		id:          id,
		assets:      supported,
		apyBps:      apyBps,
		healthBps:   types.BpsDenominator,
		liquidity:   sdkmath.NewInt(1_000_000_000),
		operational: true,
		shares:      make(map[string]sdkmath.Int),
	}
}

func (s *SimAdapter) ID() types.BackendID { return s.id }

// SetAPY changes the advertised APY.
func (s *SimAdapter) SetAPY(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apyBps = bps
}

// SetRisk sets the reported risk score in bps.
func (s *SimAdapter) SetRisk(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskBps = bps
}

// SetHealth sets health score, liquidity depth, and utilization.
func (s *SimAdapter) SetHealth(healthBps int64, liquidity sdkmath.Int, utilizationBps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthBps = healthBps
	s.liquidity = liquidity
	s.utilizationBps = utilizationBps
}

// SetOperational flips the backend's self-reported operational status.
func (s *SimAdapter) SetOperational(ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational = ok
	s.statusReason = reason
}

// FailQueries makes every read query return an error, exercising per-backend
// fault isolation in the gatherer.
func (s *SimAdapter) FailQueries(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failQueries = fail
}

// FailDeposits makes Deposit return an error while reads keep working.
func (s *SimAdapter) FailDeposits(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeposits = fail
}

// SetHaircut configures the simulated slippage applied to deposits and
// withdrawals.
func (s *SimAdapter) SetHaircut(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haircutBps = bps
}

// SharesHeld reports the shares currently minted for an asset.
func (s *SimAdapter) SharesHeld(asset string) sdkmath.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shares[asset]; ok {
		return sh
	}
	return sdkmath.ZeroInt()
}

func (s *SimAdapter) Supports(_ context.Context, asset string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return false, fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	return s.assets[asset], nil
}

func (s *SimAdapter) APY(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return 0, fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	return s.apyBps, nil
}

func (s *SimAdapter) TVL(_ context.Context, asset string) (sdkmath.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	if sh, ok := s.shares[asset]; ok {
		return sh, nil
	}
	return sdkmath.ZeroInt(), nil
}

func (s *SimAdapter) HealthMetrics(_ context.Context, _ string) (types.HealthMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return types.HealthMetrics{}, fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	return types.HealthMetrics{
		HealthScore:    s.healthBps,
		LiquidityDepth: s.liquidity,
		UtilizationBps: s.utilizationBps,
	}, nil
}

func (s *SimAdapter) RiskScore(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return 0, fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	return s.riskBps, nil
}

func (s *SimAdapter) OperationalStatus(_ context.Context, _ string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return false, "", fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	return s.operational, s.statusReason, nil
}

func (s *SimAdapter) Deposit(_ context.Context, asset string, amount, minShares sdkmath.Int) (sdkmath.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries || s.failDeposits {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	if err := utils.ValidateAmount(amount); err != nil {
		return sdkmath.ZeroInt(), err
	}

	minted := amount
	if s.haircutBps > 0 {
		keep, err := utils.MulBps(amount, types.BpsDenominator-s.haircutBps)
		if err != nil {
			return sdkmath.ZeroInt(), err
		}
		minted = keep
	}
	if !minShares.IsNil() && minted.LT(minShares) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: minted %s < min %s", ErrMinSharesNotMet, minted, minShares)
	}

	held := s.shares[asset]
	if held.IsNil() {
		held = sdkmath.ZeroInt()
	}
	s.shares[asset] = held.Add(minted)
	return minted, nil
}

func (s *SimAdapter) Withdraw(_ context.Context, asset string, shares, minAmount sdkmath.Int) (sdkmath.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueries {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrBackendFailing, s.id)
	}
	if err := utils.ValidateAmount(shares); err != nil {
		return sdkmath.ZeroInt(), err
	}

	held := s.shares[asset]
	if held.IsNil() || held.LT(shares) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: have %s, want %s", ErrInsufficientShares, held, shares)
	}

	released := shares
	if s.haircutBps > 0 {
		keep, err := utils.MulBps(shares, types.BpsDenominator-s.haircutBps)
		if err != nil {
			return sdkmath.ZeroInt(), err
		}
		released = keep
	}
	if !minAmount.IsNil() && released.LT(minAmount) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: released %s < min %s", ErrMinAmountNotMet, released, minAmount)
	}

	s.shares[asset] = held.Sub(shares)
	return released, nil
}
