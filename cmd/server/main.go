// Package main is the entry point for the paperbroker simulated brokerage
// backend. It wires the ledger store, the price feed, the execution engine,
// the trading facade and the limit-order sweeper, then serves the REST API.
//
// The application follows a layered architecture:
// - Domain layer is pure (no infrastructure dependencies)
// - Repository pattern for data access, grouped under a single ledger store
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"paperbroker/internal/config"
	"paperbroker/internal/database"
	"paperbroker/internal/engine"
	"paperbroker/internal/ledger"
	"paperbroker/internal/oracle"
	"paperbroker/internal/scheduler"
	"paperbroker/internal/server"
	"paperbroker/internal/sweeper"
	"paperbroker/internal/trading"
	"paperbroker/internal/valuation"
	"paperbroker/pkg/logger"
)

func main() {
	// Load configuration first to get log level.
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting paperbroker")

	// Open the ledger database. All money movement lives in this one file,
	// so it runs with the durable profile (synchronous=FULL).
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "broker.db"),
		Name:    "broker",
		Profile: database.ProfileLedger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer db.Close()

	if err := ledger.InitSchema(db.Conn()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger schema")
	}

	// Price feed: seeded from the market data file when present, otherwise
	// from the built-in universe. A malformed file is fatal; a missing one
	// is not.
	seed := oracle.DefaultSeed()
	if cfg.MarketDataPath != "" {
		switch loaded, err := oracle.LoadSeedFile(cfg.MarketDataPath); {
		case err == nil:
			seed = loaded
		case errors.Is(err, os.ErrNotExist):
			log.Info().Str("path", cfg.MarketDataPath).Msg("No market data file, using built-in symbols")
		default:
			log.Fatal().Err(err).Str("path", cfg.MarketDataPath).Msg("Failed to load market data")
		}
	}
	feed, err := oracle.NewSimulatedFeed(seed, cfg.QuoteTTL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build price feed")
	}

	// Core services, constructor-injected bottom up: store, valuation,
	// execution engine, trading facade.
	store := ledger.NewStore(db.Conn(), log)
	valuationSvc := valuation.NewService(store, feed, log)
	executionEngine := engine.New(store, feed, valuationSvc, cfg.SettleRetries, log)
	tradingSvc := trading.NewService(store, feed, executionEngine, log)

	// Limit-order sweeper runs on a fixed schedule and retries pending
	// limit orders against fresh prices.
	sched := scheduler.New(log)
	sweep := sweeper.New(store.Orders, feed, executionEngine, log)
	if err := sched.AddJob(fmt.Sprintf("@every %s", cfg.SweepInterval), sweep); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule limit order sweep")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:            log,
		Port:           cfg.Port,
		Trading:        tradingSvc,
		Valuation:      valuationSvc,
		Store:          store,
		Feed:           feed,
		StreamInterval: cfg.StreamInterval,
		OpeningCash:    cfg.OpeningCash.String(),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop the sweeper first so no new executions start while the server
	// drains in-flight requests.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
