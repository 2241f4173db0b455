package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"equity-backtester-go/internal/config"
	"equity-backtester-go/internal/costs"
	"equity-backtester-go/internal/database"
	"equity-backtester-go/internal/engine"
	"equity-backtester-go/internal/logger"
	"equity-backtester-go/internal/marketdata"
	"equity-backtester-go/internal/performance"
	"equity-backtester-go/internal/sizing"
	"equity-backtester-go/internal/slippage"
	"equity-backtester-go/internal/strategy"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	if err := cfg.Backtest.Validate(); err != nil {
		log.Fatal("Invalid backtest configuration", zap.Error(err))
	}

	// Initialize results database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize the historical data client
	provider := marketdata.NewRestClient(&cfg.MarketData, log)

	// Setup context for graceful shutdown; the engine stops at the next
	// day boundary.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, stopping at next day boundary...")
		cancel()
	}()

	sizer := sizing.NewSizer(sizing.Config{
		MinTradeHistory:      cfg.Sizing.MinTradeHistory,
		ConservativeFraction: cfg.Sizing.ConservativeFraction,
		MaxKelly:             cfg.Sizing.MaxKelly,
		HalfKelly:            cfg.Sizing.HalfKelly,
		EquityCapPct:         cfg.Sizing.EquityCapPct,
		DerivativeCapPct:     cfg.Sizing.DerivativeCapPct,
		MaxTotalRiskPct:      cfg.Sizing.MaxTotalRiskPct,
	})

	sim := engine.NewEngine(log, &cfg, provider,
		strategy.NewMomentumBreakout(),
		performance.NewTracker(),
		sizer,
		costs.NewDefaultModel(),
		slippage.NewDefaultModel())

	report, err := sim.Run(ctx)
	if err != nil {
		log.Fatal("Backtest failed", zap.Error(err))
	}

	if err := database.SaveRun(db, report.ToModel(), report.Trades, report.EquitySeries, report.SkipBreakdown); err != nil {
		log.Fatal("Failed to persist run results", zap.Error(err))
	}

	log.Info("Run persisted",
		zap.String("strategy", report.Strategy),
		zap.Float64("final_equity", report.FinalEquity),
		zap.Float64("total_return_pct", report.TotalReturnPct),
		zap.Float64("cagr_pct", report.CAGRPct),
		zap.Float64("max_drawdown_pct", report.MaxDrawdownPct),
		zap.Float64("win_rate_pct", report.WinRatePct),
		zap.Int("trades", report.TotalTrades),
		zap.Any("skip_breakdown", report.SkipBreakdown))
}
