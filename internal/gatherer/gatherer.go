/*

This file contains the metrics gatherer. It assembles one ProtocolMetrics
snapshot per active, asset-supporting backend. A single backend's failure
(timeout, panic, malformed data) marks that backend non-operational and never
aborts the batch; oracle data is checked against the staleness window and
degrades to zero rather than erroring.

*/

package gatherer

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/oracle"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/types"
)

// oracleSnapshot bundles the three feed reads for one asset, already
// staleness-filtered. Cached so repeated polls inside one window do not
// hammer the feed.
type oracleSnapshot struct {
	PriceUSD      int64
	RateBps       int64
	VolatilityBps int64
}

// Gatherer pulls yield/risk/liquidity data from every active backend plus the
// oracle feed. It is read-only with respect to allocations; the only state it
// mutates is the registry's cached per-entry APY.
type Gatherer struct {
	registry *registry.Registry
	feed     oracle.Feed
	cache    *ristretto.Cache

	window  time.Duration // staleness window for oracle data
	timeout time.Duration // per-query resource budget
	nowFn   func() time.Time
	log     zerolog.Logger
}

// New builds a gatherer. The staleness window doubles as the oracle cache TTL.
func New(reg *registry.Registry, feed oracle.Feed, window, timeout time.Duration) (*Gatherer, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 12,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build oracle cache: %w", err)
	}
	return &Gatherer{
		registry: reg,
		feed:     feed,
		cache:    cache,
		window:   window,
		timeout:  timeout,
		nowFn:    time.Now,
		log:      logger.GetForComponent("metrics_gatherer"),
	}, nil
}

// SetNowFunc overrides the clock, for tests.
func (g *Gatherer) SetNowFunc(now func() time.Time) { g.nowFn = now }

// Collect returns one ProtocolMetrics per active backend supporting the
// asset, in registration order. Failed backends are present with
// Operational=false so downstream code sees the full roster.
func (g *Gatherer) Collect(ctx context.Context, asset string) []types.ProtocolMetrics {
	active := g.registry.ListActive(ctx, asset)
	if len(active) == 0 {
		g.log.Debug().Str("asset", asset).Msg("No active backends support asset")
		return nil
	}

	obs := g.oracleObservations(ctx, asset)

	out := make([]types.ProtocolMetrics, 0, len(active))
	now := g.nowFn()
	for _, p := range active {
		m := g.collectBackend(ctx, asset, p)
		m.PriceUSD = obs.PriceUSD
		m.OracleRate = obs.RateBps
		m.VolatilityBps = obs.VolatilityBps
		if m.Operational {
			g.registry.UpdateCachedMetrics(p.Entry.ID, m.APY, now)
		}
		out = append(out, m)
	}
	return out
}

// collectBackend wraps every query to a single backend so that an error or
// panic only excludes that backend from scoring.
func (g *Gatherer) collectBackend(ctx context.Context, asset string, p registry.ActiveProtocol) (m types.ProtocolMetrics) {
	m = types.ProtocolMetrics{
		Backend:          p.Entry.ID,
		MaxAllocationBps: p.Entry.MaxAllocationBps,
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Error().
				Str("backend", string(p.Entry.ID)).
				Str("asset", asset).
				Interface("panic", r).
				Msg("Backend query panicked, marking non-operational")
			m.Operational = false
			m.StatusReason = fmt.Sprintf("query panic: %v", r)
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	operational, reason, err := p.Adapter.OperationalStatus(qctx, asset)
	if err != nil {
		g.logExclusion(p.Entry.ID, asset, "operational_status", err)
		m.StatusReason = err.Error()
		return m
	}
	if !operational {
		m.StatusReason = reason
		return m
	}

	apy, err := p.Adapter.APY(qctx, asset)
	if err != nil || apy < 0 {
		g.logExclusion(p.Entry.ID, asset, "apy", err)
		m.StatusReason = "apy query failed"
		return m
	}

	tvl, err := p.Adapter.TVL(qctx, asset)
	if err != nil || tvl.IsNil() || tvl.IsNegative() {
		g.logExclusion(p.Entry.ID, asset, "tvl", err)
		m.StatusReason = "tvl query failed"
		return m
	}

	risk, err := p.Adapter.RiskScore(qctx, asset)
	if err != nil || risk < 0 {
		g.logExclusion(p.Entry.ID, asset, "risk_score", err)
		m.StatusReason = "risk query failed"
		return m
	}

	health, err := p.Adapter.HealthMetrics(qctx, asset)
	if err != nil || health.LiquidityDepth.IsNil() || health.LiquidityDepth.IsNegative() || health.HealthScore < 0 {
		g.logExclusion(p.Entry.ID, asset, "health_metrics", err)
		m.StatusReason = "health query failed"
		return m
	}

	m.APY = apy
	m.TVL = tvl
	m.RiskScore = risk
	m.HealthScore = health.HealthScore
	m.LiquidityDepth = health.LiquidityDepth
	m.UtilizationBps = health.UtilizationBps
	m.Operational = true
	return m
}

// oracleObservations reads price/rate/volatility with the staleness window
// applied. Absent, stale, or non-positive readings become zero; only zero
// ever flows downstream from a bad feed.
func (g *Gatherer) oracleObservations(ctx context.Context, asset string) oracleSnapshot {
	if cached, ok := g.cache.Get("oracle/" + asset); ok {
		if snap, ok := cached.(oracleSnapshot); ok {
			return snap
		}
	}

	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	snap := oracleSnapshot{
		PriceUSD:      g.freshValue(qctx, asset, "price", g.feed.Price),
		RateBps:       g.freshValue(qctx, asset, "rate", g.feed.Rate),
		VolatilityBps: g.freshValue(qctx, asset, "volatility", g.feed.Volatility),
	}

	g.cache.SetWithTTL("oracle/"+asset, snap, 1, g.window)
	return snap
}

type feedQuery func(ctx context.Context, asset string) (oracle.Observation, error)

func (g *Gatherer) freshValue(ctx context.Context, asset, kind string, query feedQuery) int64 {
	obs, err := query(ctx, asset)
	if err != nil {
		g.log.Debug().Str("asset", asset).Str("kind", kind).Err(err).Msg("Oracle observation absent")
		return 0
	}
	if obs.Value <= 0 {
		g.log.Warn().Str("asset", asset).Str("kind", kind).Int64("value", obs.Value).Msg("Non-positive oracle value, treating as absent")
		return 0
	}
	if g.nowFn().Sub(obs.UpdatedAt) > g.window {
		g.log.Warn().
			Str("asset", asset).
			Str("kind", kind).
			Time("updatedAt", obs.UpdatedAt).
			Dur("window", g.window).
			Msg("Stale oracle observation, treating as absent")
		return 0
	}
	return obs.Value
}

func (g *Gatherer) logExclusion(id types.BackendID, asset, query string, err error) {
	g.log.Warn().
		Str("backend", string(id)).
		Str("asset", asset).
		Str("query", query).
		Err(err).
		Msg("Backend excluded from scoring")
}
