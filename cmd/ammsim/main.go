package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/quantamm/config"
	"github.com/alejandrodnm/quantamm/internal/adapters/notify"
	"github.com/alejandrodnm/quantamm/internal/adapters/storage"
	"github.com/alejandrodnm/quantamm/internal/application/crank"
	"github.com/alejandrodnm/quantamm/internal/application/engine"
	"github.com/alejandrodnm/quantamm/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "do not persist anything")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	steps := flag.Int("steps", 0, "trader swaps to simulate (overrides config)")
	seed := flag.Int64("seed", 0, "random seed (overrides config)")
	table := flag.Bool("table", true, "print full tables (false: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *steps > 0 {
		cfg.Simulation.Steps = *steps
	}
	if *seed != 0 {
		cfg.Simulation.Seed = *seed
	}
	setupLogger(cfg.Log)

	nav, err := cfg.ProtectiveBid.NAVPrice()
	if err != nil {
		slog.Error("invalid protective bid", "err", err)
		os.Exit(1)
	}

	slog.Info("ammsim starting",
		"config", *configPath,
		"markets", cfg.Simulation.Markets,
		"steps", cfg.Simulation.Steps,
		"seed", cfg.Simulation.Seed,
		"dry_run", *dryRun,
	)

	var store ports.Storage
	if !*dryRun {
		s, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
		if err != nil {
			slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
			os.Exit(1)
		}
		defer s.Close()
		store = s
	}

	clock := newSimClock()
	ck := crank.New(crank.Config{
		MinProfit:       cfg.Arbitrage.MinProfit,
		RatePerSecond:   cfg.Arbitrage.RatePerSecond,
		Burst:           cfg.Arbitrage.Burst,
		MaxFailures:     cfg.Arbitrage.MaxFailures,
		FailureCooldown: cfg.FailureCooldown(),
		ScanWorkers:     cfg.Arbitrage.ScanWorkers,
	}, store, clock)
	eng := engine.New(engine.Config{
		FeeBps:    cfg.Market.FeeBps,
		Bootstrap: cfg.Market.Bootstrap,
		Cooldown:  cfg.Cooldown(),
		Bid: engine.BidConfig{
			NAVPrice: nav,
			Capacity: cfg.ProtectiveBid.Capacity,
			FeeBps:   cfg.ProtectiveBid.FeeBps,
		},
	}, ck, store, clock)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := newSimulation(cfg, eng, clock, store, notify.NewConsole(*table))
	if err := sim.Run(ctx); err != nil {
		slog.Error("simulation failed", "err", err)
		os.Exit(1)
	}

	slog.Info("ammsim stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
