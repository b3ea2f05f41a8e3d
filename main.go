package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"coinpilot/api"
	"coinpilot/autopilot"
	"coinpilot/bot"
	"coinpilot/config"
	"coinpilot/events"
	"coinpilot/logger"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/metrics"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tools"
	"coinpilot/tracker"
)

// Exit codes: 0 orderly shutdown, 1 fatal init error, 2 invariant
// violation at startup.
const (
	exitOK        = 0
	exitInitError = 1
	exitInvariant = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("configuration error: %v", err)
		return exitInitError
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Directory: cfg.LogDir})
	logger.Infof("coinpilot starting (testnet=%v)", cfg.ExchangeTestnet)

	st, err := store.Open(cfg.StorageURL)
	if err != nil {
		logger.Errorf("storage init failed: %v", err)
		return exitInitError
	}
	defer st.Close()

	if err := st.IntegrityCheck(); err != nil {
		logger.Errorf("%v", err)
		return exitInvariant
	}

	exchange := market.NewBinanceExchange(cfg.ExchangeAPIKey, cfg.ExchangeAPISecret, cfg.ExchangeTestnet)
	bus := events.NewBus(func(topic string) {
		metrics.EventsDropped.WithLabelValues(topic).Inc()
	})
	mem := memory.New(st.Memory())
	tr := tracker.New(exchange, st.Candles())

	risk := bot.RiskParams{
		StopLossPct: cfg.StopLossPct,
		TPMinPct:    cfg.TPMinPct,
		TPTrailPct:  cfg.TPTrailPct,
		FeeRate:     config.FeeRate,
	}
	manager := bot.NewManager(exchange, strategy.Default, tr, st, mem, bus, risk)
	if err := manager.Recover(); err != nil {
		logger.Errorf("bot recovery failed: %v", err)
		return exitInitError
	}

	controller := autopilot.New(autopilot.Config{
		Interval:      cfg.AnalysisInterval,
		MaxAutonomous: cfg.MaxAutonomous,
		MinScore:      cfg.MinScore,
		MinBudget:     cfg.MinBudget,
		DefaultAmount: cfg.DefaultAmount,
		ReapAge:       cfg.ReapAge,
	}, exchange, manager, strategy.Default, mem, st.Candles(), autopilot.NoopNewsScorer{}, bus)

	registry := tools.New(tools.Deps{
		Exchange:   exchange,
		Manager:    manager,
		Tracker:    tr,
		Trades:     st.Trades(),
		Memory:     mem,
		Controller: controller,
		Strategies: strategy.Default,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go controller.Run(ctx)

	server := api.NewServer(cfg, exchange, manager, controller, tr, st, mem, registry, strategy.Default, bus)
	if err := server.Start(ctx); err != nil {
		logger.Errorf("facade failed: %v", err)
		return exitInitError
	}

	// Orderly teardown: controller first, then the fleet.
	controller.Stop()
	for _, s := range manager.List() {
		if s.State == bot.StateRunning {
			if err := manager.Stop(s.ID); err != nil {
				logger.Warnf("stop bot %s: %v", s.ID, err)
			}
		}
	}
	logger.Info("coinpilot shut down")
	return exitOK
}
