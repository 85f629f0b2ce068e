package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velikanghost/alioth-engine/internal/backend"
	"github.com/velikanghost/alioth-engine/internal/decision"
	"github.com/velikanghost/alioth-engine/internal/engine"
	"github.com/velikanghost/alioth-engine/internal/gatherer"
	"github.com/velikanghost/alioth-engine/internal/oracle"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/trigger"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/waterfall"
)

func testParams() types.StrategyParameters {
	return types.StrategyParameters{
		GlobalCapBps:             10000,
		DiversificationTargetBps: 5000,
		DiversificationFloorBps:  1500,
		DiversificationTopN:      3,
		ApyWeightBps:             10000,
		LiquidityDivisor:         1_000_000,
		MinImprovementBps:        100,
		MinRebalanceInterval:     15 * time.Minute,
		MaxExecutionCostBps:      1000,
		DefaultMaxSlippageBps:    100,
		RequestDeadline:          5 * time.Minute,
		StalenessWindow:          time.Hour,
	}
}

func newTestServer(t *testing.T) *WebServer {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(backend.NewSimAdapter("sim-lender", 500, "usdc"), 10000))
	gath, err := gatherer.New(reg, oracle.NewStaticFeed(), time.Hour, time.Second)
	require.NoError(t, err)
	dec := decision.New(testParams())
	wf := waterfall.New(reg, gath, testParams())
	auto := trigger.New(reg, gath, dec, wf, testParams())
	eng := engine.New(reg, gath, dec, wf, auto, testParams(), nil)
	return NewWebServer(eng, "0")
}

func TestHealthReportsEngineStatus(t *testing.T) {
	ws := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ws.router.ServeHTTP(rec, req)

	// No database behind the handler, so the endpoint reports degraded.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DEGRADED", body["status"])

	engineStatus, ok := body["engine_status"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, engineStatus["database_healthy"])
	assert.Equal(t, false, engineStatus["emergency_stopped"])
	assert.Equal(t, float64(1), engineStatus["active_backends"])
	assert.Equal(t, float64(0), engineStatus["current_poll"])
}

func TestTVLEndpoint(t *testing.T) {
	ws := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tvl/usdc", nil)
	rec := httptest.NewRecorder()
	ws.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "usdc", body["asset"])
	assert.Equal(t, "0", body["tvl"])
}
