package oracle

import (
	"context"
	"sync"
	"time"
)

// StaticFeed is an in-memory Feed used by sim mode and tests. Observations
// are set explicitly, including their timestamps, so staleness handling can
// be exercised deterministically.
type StaticFeed struct {
	mu         sync.RWMutex
	prices     map[string]Observation
	rates      map[string]Observation
	volatility map[string]Observation
}

// NewStaticFeed returns an empty feed; every query answers absent until a
// value is set.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		prices:     make(map[string]Observation),
		rates:      make(map[string]Observation),
		volatility: make(map[string]Observation),
	}
}

// SetPrice records a price observation for the asset.
func (f *StaticFeed) SetPrice(asset string, value int64, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = Observation{Value: value, UpdatedAt: updatedAt}
}

// SetRate records a rate observation for the asset.
func (f *StaticFeed) SetRate(asset string, value int64, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[asset] = Observation{Value: value, UpdatedAt: updatedAt}
}

// SetVolatility records a volatility observation for the asset.
func (f *StaticFeed) SetVolatility(asset string, value int64, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volatility[asset] = Observation{Value: value, UpdatedAt: updatedAt}
}

func (f *StaticFeed) Price(_ context.Context, asset string) (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if obs, ok := f.prices[asset]; ok {
		return obs, nil
	}
	return Observation{}, ErrObservationAbsent
}

func (f *StaticFeed) Rate(_ context.Context, asset string) (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if obs, ok := f.rates[asset]; ok {
		return obs, nil
	}
	return Observation{}, ErrObservationAbsent
}

func (f *StaticFeed) Volatility(_ context.Context, asset string) (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if obs, ok := f.volatility[asset]; ok {
		return obs, nil
	}
	return Observation{}, ErrObservationAbsent
}
