// Polymarket YES+NO Arbitrage Bot — watches binary prediction markets for a
// combined YES+NO ask price under $1 and captures the riskless spread.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: single event loop fuses both WS feeds into order/risk state
//	strategy/arbitrage.go   — deterministic YES+NO edge calculation, emits place/cancel intents
//	strategy/slippage.go    — adaptive per-market slippage buffer from rolling fill history
//	market/registry.go      — validates each configured market is a genuine binary Yes/No market
//	market/book.go          — local order book store, single-writer, invariant-checked on every upsert
//	exchange/client.go      — REST client for the CLOB API (place/cancel orders, fetch book)
//	exchange/auth.go        — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/ws.go          — WebSocket feeds (market data + user fills/orders) with auto-reconnect
//	exchange/normalizer.go  — fuses both feeds into the canonical normalized event log
//	orders/manager.go       — single-writer order state machine (NEW→SENT→ACKED→FILLED, TTL reaping)
//	risk/manager.go         — position/PnL accounting, engine lifecycle FSM, fixed-priority circuit breaker
//	persistence/writer.go   — buffered async writer for every event, order, fill, and PnL snapshot
//
// How it makes money:
//
//	A binary market's YES and NO tokens should sum to $1 at resolution.
//	When the best YES ask plus the best NO ask trades below $1 minus fees
//	and slippage, buying both sides locks in the difference regardless of
//	which side resolves true.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-mm/internal/api"
	"polymarket-mm/internal/config"
	"polymarket-mm/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Watch the config file so an operator can see a pending change land
	// without guessing; applying it still requires a restart since engine
	// subsystems capture their config at construction time.
	if err := config.WatchReload(cfgPath, func(newCfg *config.Config) {
		if err := newCfg.Validate(); err != nil {
			logger.Warn("reloaded config failed validation, ignoring", "error", err)
			return
		}
		logger.Info("config file changed, restart to apply", "path", cfgPath)
	}); err != nil {
		logger.Warn("config hot-reload watch not started", "error", err)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polymarket arbitrage engine started",
		"markets", len(cfg.Markets.Enabled),
		"min_edge_threshold", cfg.Strategy.MinEdgeThreshold,
		"max_total_exposure", cfg.Risk.MaxTotalExposure,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
