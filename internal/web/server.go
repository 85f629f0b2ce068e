package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"

	"github.com/velikanghost/alioth-engine/internal/engine"
	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/state"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer exposes engine state over a read-only JSON API.
type WebServer struct {
	router *mux.Router
	engine *engine.Engine
	port   string
}

// NewWebServer creates a new web server instance
func NewWebServer(eng *engine.Engine, port string) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		engine: eng,
		port:   port,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/outcomes", ws.handleGetOutcomes).Methods("GET")
	api.HandleFunc("/outcomes/latest", ws.handleGetLatestOutcome).Methods("GET")
	api.HandleFunc("/parameters", ws.handleGetParameters).Methods("GET")
	api.HandleFunc("/allocation/{asset}", ws.handleGetAllocation).Methods("GET")
	api.HandleFunc("/optimal/{asset}", ws.handleGetOptimal).Methods("GET")
	api.HandleFunc("/should-rebalance/{asset}", ws.handleShouldRebalance).Methods("GET")
	api.HandleFunc("/tvl/{asset}", ws.handleGetTVL).Methods("GET")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
		hasErrors = true
	}

	var currentPoll int64
	if dbHealthy {
		if n, err := state.GetCurrentPollNumber(); err == nil {
			currentPoll = n
		}
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}
	if ws.engine.Stopped() {
		overallStatus = "STOPPED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "alioth-allocation-engine",
			"version": "1.0.0",
		},
		"engine_status": map[string]interface{}{
			"database_healthy":  dbHealthy,
			"emergency_stopped": ws.engine.Stopped(),
			"active_backends":   ws.engine.Registry().ActiveCount(),
			"current_poll":      currentPoll,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetOutcomes returns recent rebalance outcomes
func (ws *WebServer) handleGetOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	outcomes, err := state.LoadRecentOutcomes(limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent outcomes")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve outcomes")
		return
	}

	response := map[string]interface{}{
		"outcomes": outcomes,
		"count":    len(outcomes),
		"limit":    limit,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetLatestOutcome returns the most recent rebalance outcome
func (ws *WebServer) handleGetLatestOutcome(w http.ResponseWriter, r *http.Request) {
	outcome, err := state.LoadLatestOutcome()
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get latest outcome")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve latest outcome")
		return
	}
	if outcome == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "No outcomes found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, outcome)
}

// handleGetParameters returns the active strategy parameters
func (ws *WebServer) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"parameters": ws.engine.Parameters(),
		"timestamp":  time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetAllocation returns the current allocation for an asset
func (ws *WebServer) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	alloc := ws.engine.CurrentAllocation(asset)
	amounts := make(map[string]string, len(alloc.Amounts))
	for id, amt := range alloc.Amounts {
		amounts[string(id)] = amt.String()
	}

	response := map[string]interface{}{
		"asset":          asset,
		"total":          alloc.Total.String(),
		"amounts":        amounts,
		"last_rebalance": alloc.LastRebalance,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetOptimal returns a dry-run optimal allocation for an asset. The
// amount query parameter defaults to the asset's current TVL.
func (ws *WebServer) handleGetOptimal(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	amount := ws.engine.TotalValueLocked(asset)
	if amountStr := r.URL.Query().Get("amount"); amountStr != "" {
		parsed, ok := sdkmath.NewIntFromString(amountStr)
		if !ok {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid amount")
			return
		}
		amount = parsed
	}
	if !amount.IsPositive() {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Nothing to allocate")
		return
	}

	targets, err := ws.engine.CalculateOptimalAllocation(r.Context(), asset, amount)
	if err != nil {
		webLogger.Error().Err(err).Str("asset", asset).Msg("Failed to calculate optimal allocation")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to calculate optimal allocation")
		return
	}

	response := map[string]interface{}{
		"asset":   asset,
		"amount":  amount.String(),
		"targets": targets,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleShouldRebalance answers whether a rebalance would trigger right now
func (ws *WebServer) handleShouldRebalance(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	minImprovement := int64(0)
	if s := r.URL.Query().Get("min_improvement_bps"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 0 {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid min_improvement_bps")
			return
		}
		minImprovement = parsed
	}

	should, improvement, err := ws.engine.ShouldRebalance(r.Context(), asset, minImprovement)
	if err != nil {
		webLogger.Error().Err(err).Str("asset", asset).Msg("Failed to evaluate rebalance")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to evaluate rebalance")
		return
	}

	response := map[string]interface{}{
		"asset":            asset,
		"should_rebalance": should,
		"improvement_bps":  improvement,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetTVL returns the total value locked for an asset
func (ws *WebServer) handleGetTVL(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	response := map[string]interface{}{
		"asset": asset,
		"tvl":   ws.engine.TotalValueLocked(asset).String(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
