package oracle

import (
	"context"
	"errors"
	"time"
)

// ErrObservationAbsent is returned by feeds that have no data for an asset.
// The gatherer degrades absent observations to zero values; it never treats
// them as fatal.
var ErrObservationAbsent = errors.New("oracle observation absent")

// Observation is a single timestamped oracle reading. Value semantics depend
// on the query: micro-USD for prices, bps for rates and volatility.
type Observation struct {
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feed is the capability interface for the external oracle subsystem. Every
// method may legitimately return ErrObservationAbsent; the core degrades
// gracefully rather than failing.
type Feed interface {
	// Price returns the asset price in micro-USD.
	Price(ctx context.Context, asset string) (Observation, error)

	// Rate returns the oracle-observed yield rate for the asset in bps.
	Rate(ctx context.Context, asset string) (Observation, error)

	// Volatility returns the asset's volatility score in bps.
	Volatility(ctx context.Context, asset string) (Observation, error)
}
