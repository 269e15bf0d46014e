// Aqua Strategy Agent — the maker-side control plane for an on-chain RFQ
// venue. It turns quote requests into signed-ready quote intents, or into
// canonical rejections, deterministically and with a full decision trace.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	pipeline/pipeline.go   — decision flow: idempotency → policy gate → synthesis → limits → feasibility → commit
//	gate/policy.go         — maker policy checks (chain, tokens, pause, pair, pricing freshness, size, caps)
//	gate/feasibility.go    — chain-state checks (strategy active/docked, budget, allowance)
//	synth/synth.go         — side-aware amount synthesis from depth curve or bid/ask, spread selection
//	curve/curve.go         — cumulative depth-curve evaluator with exact big-integer interpolation
//	state/store.go         — nonces, idempotency cache, daily volume accumulators (atomic commit)
//	ledger/ledger.go       — SQLite append-only record of fills and reverts reported by the venue
//	pricing/client.go      — price engine client with retries and a circuit breaker
//	api/                   — HTTP boundary: /v1/quote, /v1/fills, /v1/reverts, /ws decision stream, /metrics
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aqua-agent/internal/api"
	"aqua-agent/internal/config"
	"aqua-agent/internal/ledger"
	"aqua-agent/internal/pipeline"
	"aqua-agent/internal/pricing"
	"aqua-agent/internal/state"
	"aqua-agent/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("AQUA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
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

	ldg, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Error("failed to open settlement ledger", "error", err, "path", cfg.Ledger.Path)
		os.Exit(1)
	}
	defer ldg.Close()

	store := state.New(types.SystemClock)
	pl := pipeline.New(store, types.SystemClock, pipeline.Config{
		SupportedChains: cfg.SupportedChainSet(),
		MinConfidence:   cfg.Quoting.MinConfidence,
		DefaultFeeBps:   cfg.Quoting.DefaultFeeBps,
	}, logger)

	metrics := api.NewMetrics()

	var server *api.Server
	if cfg.PriceEngine.BaseURL != "" {
		client := pricing.NewClient(cfg.PriceEngine.BaseURL, cfg.PriceEngine.Timeout, logger)
		server = api.NewServer(*cfg, pl, ldg, client, metrics, logger)
	} else {
		server = api.NewServer(*cfg, pl, ldg, nil, metrics, logger)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("agent server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("strategy agent started",
		"port", cfg.Server.Port,
		"supported_chains", cfg.Quoting.SupportedChains,
		"min_confidence", cfg.Quoting.MinConfidence,
		"price_engine", cfg.PriceEngine.BaseURL != "",
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
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
