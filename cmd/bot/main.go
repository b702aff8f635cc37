// binance-trader — an algorithmic trading engine for Binance-compatible
// spot venues.
//
// Architecture:
//
//	main.go            — entry point: flags, config, logger, mode dispatch
//	engine/engine.go   — orchestrator: stream → ingester → strategies → risk gate → orders
//	exchange/client.go — signed REST client with venue-aware rate limiting
//	exchange/stream.go — combined WebSocket market data stream with auto-reconnect
//	market/            — order book mirrors, kline series, VWAP, trade-flow imbalance
//	strategy/          — scalper (EMA cross + OBI), maker (inventory-skewed quotes), pairs
//	order/manager.go   — order lifecycle: submit, cancel, reconcile, fill extraction
//	risk/manager.go    — pre-trade checks, daily loss kill switch, loss cooldowns
//	account/           — fills → positions → realized/unrealized P&L, restart recovery
//	backtest/          — historical replay through the same strategies and risk gate
//	store/             — trade journal: memory, JSONL file, or PostgreSQL
//
// Modes:
//
//	paper    — live market data, orders acknowledged locally (default)
//	live     — orders go to the venue; equity is read from the account
//	backtest — replay a configured date range of klines and print a report
//
// Exit codes: 0 clean shutdown, 1 fatal error, 130 interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"binance-trader/internal/backtest"
	"binance-trader/internal/config"
	"binance-trader/internal/engine"
	"binance-trader/internal/exchange"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath = flag.String("config", "config.yaml", "path to the YAML config file")
		mode    = flag.String("mode", "", "trading mode: paper, live, or backtest (overrides config)")
		symbols = flag.String("symbols", "", "comma-separated symbol override, e.g. BTCUSDT,ETHUSDT")
		verbose = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}
	if *mode != "" {
		cfg.Trading.Mode = *mode
	}
	if *symbols != "" {
		cfg.Trading.Symbols = strings.Split(*symbols, ",")
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if m, _ := config.ParseMode(cfg.Trading.Mode); m == config.ModeBacktest {
		return runBacktest(cfg, logger)
	}
	return runEngine(cfg, logger)
}

// runEngine drives paper and live trading: initialize, run until a shutdown
// signal or fatal error, map the outcome to an exit code.
func runEngine(cfg *config.Config, logger *slog.Logger) int {
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		interrupted.Store(true)
		cancel()
	}()

	if err := eng.Initialize(ctx); err != nil {
		if interrupted.Load() {
			return 130
		}
		logger.Error("engine initialization failed", "error", err)
		return 1
	}

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine terminated", "error", err)
		return 1
	}
	if interrupted.Load() {
		return 130
	}
	return 0
}

// runBacktest replays the configured date range and prints the report to
// stdout. With monte_carlo_runs of 2 or more it prints the distribution
// summary instead.
func runBacktest(cfg *config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Klines load over plain market-data endpoints; the dry-run client
	// never places anything.
	client := exchange.NewClient(cfg.Exchange, true, logger)
	series, err := backtest.LoadSeries(ctx, cfg, client, logger)
	if err != nil {
		logger.Error("failed to load kline series", "error", err)
		return 1
	}

	bt := backtest.New(cfg, series, logger)
	if cfg.Backtest.MonteCarloRuns >= 2 {
		mc, err := bt.MonteCarlo(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 130
			}
			logger.Error("monte carlo failed", "error", err)
			return 1
		}
		fmt.Print(mc.String())
		return 0
	}

	res, err := bt.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		logger.Error("backtest failed", "error", err)
		return 1
	}
	fmt.Print(res.String())
	return 0
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
