package main

import (
	"context"
	"os"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/velikanghost/alioth-engine/internal/backend"
	"github.com/velikanghost/alioth-engine/internal/config"
	"github.com/velikanghost/alioth-engine/internal/decision"
	"github.com/velikanghost/alioth-engine/internal/engine"
	"github.com/velikanghost/alioth-engine/internal/gatherer"
	"github.com/velikanghost/alioth-engine/internal/logger"
	"github.com/velikanghost/alioth-engine/internal/oracle"
	"github.com/velikanghost/alioth-engine/internal/registry"
	"github.com/velikanghost/alioth-engine/internal/state"
	"github.com/velikanghost/alioth-engine/internal/trigger"
	"github.com/velikanghost/alioth-engine/internal/types"
	"github.com/velikanghost/alioth-engine/internal/waterfall"
	"github.com/velikanghost/alioth-engine/internal/web"
)

// main is the entry point for the allocation engine.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("Allocation Engine Starting...")

	// Initialize Database Connection
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Load Strategy Parameters
	strategyParams, err := state.LoadActiveStrategyParameters(engine.DefaultConfigName)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load active strategy parameters, using defaults and saving.")
		defaultParams := config.DefaultStrategyParameters
		if _, err := state.SaveStrategyParameters(defaultParams, engine.DefaultConfigName, engine.DefaultConfigVersion, true); err != nil {
			log.Fatal().Err(err).Msg("Failed to save initial default strategy parameters.")
		}
		strategyParams = &defaultParams
	}
	if err := strategyParams.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Active strategy parameters are invalid")
	}
	log.Info().Msg("Strategy parameters loaded successfully.")

	// --- 2. Backend Wiring (with Safety Switch) ---
	// Only the simulated backends are wired here. Running against anything
	// that moves real funds requires its own adapter build, so any other
	// mode halts immediately.
	if config.EngineMode != "sim" {
		log.Fatal().Str("mode", config.EngineMode).Msg("ENGINE_MODE is not 'sim'. Halting to prevent accidental execution against live backends.")
	}

	feed := oracle.NewStaticFeed()
	reg := registry.New()
	now := time.Now()
	for _, asset := range config.Assets {
		feed.SetPrice(asset, 1_000_000, now) // 1.00 USD in micro-USD
		feed.SetRate(asset, 450, now)
		feed.SetVolatility(asset, 120, now)
	}

	simBackends := []struct {
		id  types.BackendID
		apy int64
	}{
		{"sim-lender-a", 520},
		{"sim-lender-b", 430},
		{"sim-amm-c", 610},
	}
	adminCaller := engine.NewCaller("bootstrap", engine.CapabilityAdmin)
	opsCaller := engine.NewCaller("scheduler", engine.CapabilityIntegrator, engine.CapabilityRebalancer)

	gath, err := gatherer.New(reg, feed, strategyParams.StalenessWindow, config.BackendTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics gatherer")
	}
	dec := decision.New(*strategyParams)
	wf := waterfall.New(reg, gath, *strategyParams)
	auto := trigger.New(reg, gath, dec, wf, *strategyParams)
	eng := engine.New(reg, gath, dec, wf, auto, *strategyParams, state.Recorder{ConfigName: engine.DefaultConfigName})

	for _, sb := range simBackends {
		sim := backend.NewSimAdapter(sb.id, sb.apy, config.Assets...)
		sim.SetHealth(9000, sdkmath.NewInt(500_000_000), 4200)
		if err := eng.RegisterProtocol(adminCaller, sim, strategyParams.GlobalCapBps); err != nil {
			log.Fatal().Err(err).Str("backend", string(sb.id)).Msg("Failed to register simulated backend")
		}
	}
	log.Info().Int("backends", len(simBackends)).Msg("Simulated backends registered")

	// Optional seed deposit so a fresh sim run has funds to manage.
	if seedStr := os.Getenv("ENGINE_SIM_SEED_AMOUNT"); seedStr != "" {
		seed, ok := sdkmath.NewIntFromString(seedStr)
		if !ok || !seed.IsPositive() {
			log.Fatal().Str("value", seedStr).Msg("ENGINE_SIM_SEED_AMOUNT must be a positive integer")
		}
		for _, asset := range config.Assets {
			shares, err := eng.Deposit(context.Background(), opsCaller, asset, seed, sdkmath.ZeroInt(), 0)
			if err != nil {
				log.Fatal().Err(err).Str("asset", asset).Msg("Seed deposit failed")
			}
			log.Info().Str("asset", asset).Str("amount", seed.String()).Str("shares", shares.String()).Msg("Seed deposit placed")
		}
	}

	// --- 3. Start Web Server ---
	webServer := web.NewWebServer(eng, config.WebPort)
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting engine dashboard")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 4. Start Poll Scheduler ---
	scheduler := cron.New()
	for _, asset := range config.Assets {
		asset := asset
		_, err := scheduler.AddFunc("@every "+config.PollInterval.String(), func() {
			runPollCycle(eng, opsCaller, asset)
		})
		if err != nil {
			log.Fatal().Err(err).Str("asset", asset).Msg("Failed to schedule poll")
		}
	}
	log.Info().
		Strs("assets", config.Assets).
		Dur("interval", config.PollInterval).
		Msg("Starting poll scheduler")
	scheduler.Run()
}

// runPollCycle drives one poll for an asset and executes whatever it triggers.
func runPollCycle(eng *engine.Engine, caller engine.Caller, asset string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.PollInterval)
	defer cancel()

	req, d, err := eng.Poll(ctx, caller, asset)
	if err != nil {
		log.Error().Err(err).Str("asset", asset).Msg("Poll failed")
		return
	}
	if req == nil {
		log.Info().Str("asset", asset).Str("reason", d.Reason).Msg("Poll complete, no action")
		return
	}

	outcome, err := eng.Execute(ctx, caller, req.ID)
	if err != nil {
		log.Error().Err(err).Str("asset", asset).Str("request", req.ID).Msg("Rebalance execution rejected")
		return
	}
	log.Info().
		Str("asset", asset).
		Str("request", req.ID).
		Bool("success", outcome.Success).
		Int64("improvement", outcome.ImprovementBps).
		Msg("Poll cycle complete")
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
