// Up/Down Rounds Bot — an automated trading bot for short-duration binary
// price markets that resolve against an on-chain price oracle.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — supervisor: wires feeds → scorer → risk → execution → settlement
//	feed/                  — price / oracle / book / derivatives / copy-flow ingest with
//	                         freshness arbitration
//	snapshot/              — copy-on-write decision snapshots for the scorer
//	scorer/                — deterministic signal pipeline: direction, probability, EV gates,
//	                         Kelly sizing, execution mode
//	execution/             — maker→taker order state machine with per-cid locks
//	risk/                  — portfolio reconciler and exposure rules
//	settle/                — redemption queue, serialized nonce manager, receipt parsing
//	market/                — Up/Down round discovery and metadata cache
//	store/                 — JSON state, JSONL metrics journal, SQLite metrics DB
//
// How it makes money:
//
//	Every 5/15-minute round resolves Up or Down against the oracle's price at
//	the slot boundary. The bot fuses faster feeds (spot ticks, perp flow,
//	order books, leader wallets) into a probability estimate, buys the side
//	whose market price sits below that estimate, sizes the bet with a damped
//	Kelly fraction, and redeems winning tokens on-chain after resolution.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"updown-bot/internal/config"
	"updown-bot/internal/engine"
)

func main() {
	// .env is optional; explicit environment wins.
	_ = godotenv.Load()

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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(context.Background(), *cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders or redemptions will be sent")
	}

	logger.Info("updown bot started",
		"enable_5m", cfg.Rounds.Enable5m,
		"enable_15m", cfg.Rounds.Enable15m,
		"min_payout_15m", cfg.Scorer.MinPayout15m,
		"max_bankroll_pct", cfg.Sizing.MaxBankrollPct,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
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
