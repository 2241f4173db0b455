package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"equity-backtester-go/internal/config"
	"equity-backtester-go/internal/costs"
	"equity-backtester-go/internal/marketdata"
	"equity-backtester-go/internal/portfolio"
	"equity-backtester-go/internal/sizing"
	"equity-backtester-go/internal/slippage"
	"equity-backtester-go/internal/strategy"
	"go.uber.org/zap"
)

// Exit reason codes.
const (
	ExitStopLoss      = "STOP_LOSS"
	ExitStopLossGap   = "STOP_LOSS_GAP"
	ExitTarget        = "TARGET"
	ExitTime          = "TIME_EXIT"
	ExitEndOfBacktest = "END_OF_BACKTEST"
)

// Skip reason codes. Sizer rejection reasons join these in the breakdown.
const (
	SkipMissingBar           = "MISSING_BAR"
	SkipInsufficientLookback = "INSUFFICIENT_LOOKBACK"
	SkipInsufficientCash     = "INSUFFICIENT_CASH"
	SkipDrawdownHalt         = "DRAWDOWN_HALT"
	SkipDataUnavailable      = "DATA_UNAVAILABLE"
	SkipSignalError          = "SIGNAL_ERROR"
)

// statsLookback is the trailing trade window the tracker is queried over.
const statsLookback = 100

// liquidityWindow is the number of prior bars averaged for the slippage
// model's volume and turnover figures.
const liquidityWindow = 20

// historyYears is how far before the start date bars are loaded so the
// first simulated days have enough lookback.
const historyYears = 2

// PerformanceTracker supplies trailing strategy statistics to the sizing
// phase. Implementations must report a zero trade count rather than
// fabricate statistics when no history exists.
type PerformanceTracker interface {
	Record(strategyName string, trade portfolio.Trade)
	Stats(strategyName string, lookbackN int) sizing.StrategyStats
}

// Engine replays trading days strictly in order, running the five phases
// ExitCheck, SignalGeneration, PositionSizing, OrderExecution and
// EndOfDayMarkToMarket against a single-owner portfolio ledger.
type Engine struct {
	logger    *zap.Logger
	cfg       *config.Config
	provider  marketdata.HistoricalDataProvider
	generator strategy.SignalGenerator
	tracker   PerformanceTracker
	sizer     *sizing.Sizer
	costs     *costs.Model
	slip      *slippage.Model

	class     marketdata.InstrumentClass
	portfolio *portfolio.Portfolio
	series    map[string]*symbolSeries
	calendar  []time.Time
	skips     map[string]int
}

// symbolSeries is one symbol's pre-loaded history with a date index.
type symbolSeries struct {
	bars  []marketdata.Bar
	index map[int64]int // unix date -> offset in bars
}

// order is an approved, sized signal awaiting execution.
type order struct {
	signal   *strategy.Signal
	decision sizing.Decision
}

// NewEngine wires the engine with its injected collaborators. All models
// are stateless; the portfolio created here is the only mutable state.
func NewEngine(logger *zap.Logger, cfg *config.Config, provider marketdata.HistoricalDataProvider,
	generator strategy.SignalGenerator, tracker PerformanceTracker,
	sizer *sizing.Sizer, costModel *costs.Model, slipModel *slippage.Model) *Engine {
	return &Engine{
		logger:    logger,
		cfg:       cfg,
		provider:  provider,
		generator: generator,
		tracker:   tracker,
		sizer:     sizer,
		costs:     costModel,
		slip:      slipModel,
		class:     marketdata.InstrumentClass(cfg.Backtest.InstrumentClass),
		series:    make(map[string]*symbolSeries),
		skips:     make(map[string]int),
	}
}

// Run executes the full backtest and returns the report. Configuration
// errors and series-ordering violations abort the run; per-symbol, per-day
// conditions are counted and the run continues. Cancellation is honored at
// day boundaries only.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	bt := &e.cfg.Backtest
	if err := bt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest configuration: %w", err)
	}

	pf, err := portfolio.New(bt.InitialCapital)
	if err != nil {
		return nil, err
	}
	e.portfolio = pf

	if err := e.loadHistory(ctx); err != nil {
		return nil, err
	}
	if len(e.calendar) == 0 {
		return nil, fmt.Errorf("no trading days between %s and %s", bt.StartDate, bt.EndDate)
	}

	e.logger.Info("Starting simulation",
		zap.String("strategy", e.generator.Name()),
		zap.Int("symbols", len(e.series)),
		zap.Int("trading_days", len(e.calendar)),
		zap.Float64("initial_capital", bt.InitialCapital))

	for _, day := range e.calendar {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		e.runDay(day)
	}

	e.closeRemaining()

	report := e.buildReport()
	e.logger.Info("Simulation complete",
		zap.Float64("final_equity", report.FinalEquity),
		zap.Float64("total_return_pct", report.TotalReturnPct),
		zap.Int("trades", report.TotalTrades))
	return report, nil
}

// loadHistory materializes every symbol's bars into memory before the loop
// starts. A series that fails ordering validation is fatal: the
// no-look-ahead guarantee cannot be certified on unordered input.
func (e *Engine) loadHistory(ctx context.Context) error {
	bt := &e.cfg.Backtest
	start, end := bt.Start(), bt.End()
	loadFrom := start.AddDate(-historyYears, 0, 0)

	days := make(map[int64]time.Time)

	symbols := append([]string(nil), bt.Universe...)
	sort.Strings(symbols)

	for _, symbol := range symbols {
		bars, err := e.provider.GetBars(ctx, symbol, loadFrom, end)
		if err != nil {
			if marketdata.IsUnordered(err) {
				return err
			}
			e.logger.Warn("Excluding symbol, data unavailable",
				zap.String("symbol", symbol), zap.Error(err))
			e.skips[SkipDataUnavailable]++
			continue
		}
		if err := marketdata.ValidateSeries(symbol, bars); err != nil {
			return err
		}

		ss := &symbolSeries{bars: bars, index: make(map[int64]int, len(bars))}
		for i, b := range bars {
			ss.index[b.Date.Unix()] = i
			if !b.Date.Before(start) && !b.Date.After(end) {
				days[b.Date.Unix()] = b.Date
			}
		}
		e.series[symbol] = ss
	}

	e.calendar = e.calendar[:0]
	for _, d := range days {
		e.calendar = append(e.calendar, d)
	}
	sort.Slice(e.calendar, func(i, j int) bool { return e.calendar[i].Before(e.calendar[j]) })
	return nil
}

// runDay executes the five phases for one trading day, strictly in order.
func (e *Engine) runDay(day time.Time) {
	e.checkExits(day)
	signals := e.generateSignals(day)
	orders := e.sizeSignals(signals)
	e.executeOrders(day, orders)
	e.markToMarket(day)
}

// checkExits detects stop, target and time exits for every open position
// using only the current day's bar. At most one exit per position per day.
func (e *Engine) checkExits(day time.Time) {
	for _, pos := range e.portfolio.OpenPositions() {
		bar, ok := e.barOn(pos.Symbol, day)
		if !ok {
			e.skips[SkipMissingBar]++
			continue
		}

		price, reason := e.resolveExit(pos, bar, day)
		if reason == "" {
			continue
		}

		exitSide := marketdata.OrderSideSell
		if pos.Side == marketdata.PositionSideShort {
			exitSide = marketdata.OrderSideBuy
		}

		// Stop exits fill as stop-triggered market orders; targets are
		// resting limits and fill at their price by construction.
		switch reason {
		case ExitStopLossGap:
			res := e.slip.Estimate(e.liquidity(pos.Symbol, day), exitSide,
				price*float64(pos.Shares), price, slippage.OrderTypeStopMarket, slippage.SessionOpen, e.cfg.Backtest.VolatilityIndex)
			price = res.AdjustedPrice
		case ExitStopLoss:
			res := e.slip.Estimate(e.liquidity(pos.Symbol, day), exitSide,
				price*float64(pos.Shares), price, slippage.OrderTypeStopMarket, slippage.SessionMid, e.cfg.Backtest.VolatilityIndex)
			price = res.AdjustedPrice
		case ExitTime:
			res := e.slip.Estimate(e.liquidity(pos.Symbol, day), exitSide,
				price*float64(pos.Shares), price, slippage.OrderTypeMarket, slippage.SessionClose, e.cfg.Backtest.VolatilityIndex)
			price = res.AdjustedPrice
		}

		exitCosts := e.costs.Charges(exitSide, e.class, price*float64(pos.Shares))
		trade, err := e.portfolio.Close(pos.Symbol, day, price, reason, exitCosts.Total)
		if err != nil {
			e.logger.Error("Exit failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		e.tracker.Record(e.generator.Name(), trade)
		e.logger.Debug("Position closed",
			zap.String("symbol", trade.Symbol),
			zap.String("reason", reason),
			zap.Float64("net_pnl", trade.NetPnL))
	}
}

// resolveExit returns the exit price and reason for a position given the
// day's bar, or an empty reason when the position stays open. A stop gapped
// through at the open fills at the open price, a worse fill than the
// nominal stop.
func (e *Engine) resolveExit(pos portfolio.Position, bar marketdata.Bar, day time.Time) (float64, string) {
	if pos.Side == marketdata.PositionSideLong {
		switch {
		case bar.Open <= pos.StopLoss:
			return bar.Open, ExitStopLossGap
		case bar.Low <= pos.StopLoss:
			return pos.StopLoss, ExitStopLoss
		case bar.High >= pos.Target:
			return pos.Target, ExitTarget
		}
	} else {
		switch {
		case bar.Open >= pos.StopLoss:
			return bar.Open, ExitStopLossGap
		case bar.High >= pos.StopLoss:
			return pos.StopLoss, ExitStopLoss
		case bar.Low <= pos.Target:
			return pos.Target, ExitTarget
		}
	}
	if max := e.cfg.Backtest.MaxHoldingDays; max > 0 {
		held := int(day.Sub(pos.EntryDate).Hours() / 24)
		if held >= max {
			return bar.Close, ExitTime
		}
	}
	return 0, ""
}

// generateSignals runs the signal generator across the universe for one
// day. Generation fans out per symbol since it is a pure function of
// already-loaded history; results are materialized and sorted by symbol
// before the strictly sequential sizing phase, keeping the run
// deterministic.
func (e *Engine) generateSignals(day time.Time) []*strategy.Signal {
	type genResult struct {
		signal *strategy.Signal
		err    error
	}

	symbols := make([]string, 0, len(e.series))
	for symbol := range e.series {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var wg sync.WaitGroup
	results := make(chan genResult, len(symbols))

	for _, symbol := range symbols {
		if e.portfolio.HasPosition(symbol) {
			continue
		}
		if _, ok := e.barOn(symbol, day); !ok {
			e.skips[SkipMissingBar]++
			continue
		}
		history := e.historyBefore(symbol, day)
		if len(history) < e.cfg.Backtest.MinLookbackBars {
			e.skips[SkipInsufficientLookback]++
			continue
		}

		wg.Add(1)
		go func(symbol string, history []marketdata.Bar) {
			defer wg.Done()
			sig, err := e.generator.Generate(symbol, history)
			if err != nil || sig != nil {
				results <- genResult{signal: sig, err: err}
			}
		}(symbol, history)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var signals []*strategy.Signal
	for r := range results {
		if r.err != nil {
			e.logger.Warn("Signal generation failed", zap.Error(r.err))
			e.skips[SkipSignalError]++
			continue
		}
		signals = append(signals, r.signal)
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].Symbol < signals[j].Symbol })
	return signals
}

// sizeSignals passes each signal through the position sizer sequentially,
// threading the risk already committed by earlier approvals into later
// calls so the total-risk budget holds across a single day. When drawdown
// exceeds the configured ceiling, new entries are suspended for the day.
func (e *Engine) sizeSignals(signals []*strategy.Signal) []order {
	if len(signals) == 0 {
		return nil
	}

	if e.portfolio.Drawdown() > e.cfg.Backtest.MaxDrawdownPct {
		e.skips[SkipDrawdownHalt] += len(signals)
		e.logger.Warn("Drawdown ceiling breached, suspending new entries",
			zap.Float64("drawdown", e.portfolio.Drawdown()))
		return nil
	}

	stats := e.tracker.Stats(e.generator.Name(), statsLookback)
	pendingRisk := 0.0

	var orders []order
	for _, sig := range signals {
		decision := e.sizer.Size(sig, stats, sizing.Input{
			CurrentCapital: e.portfolio.Equity(),
			PeakCapital:    e.portfolio.PeakEquity(),
			InitialCapital: e.portfolio.InitialCapital(),
			OpenRisk:       e.portfolio.TotalOpenRisk() + pendingRisk,
			Class:          e.class,
			Sentiment:      e.cfg.Backtest.Sentiment,
		})
		if !decision.Approved {
			e.skips[decision.RejectReason]++
			e.logger.Debug("Signal rejected",
				zap.String("symbol", sig.Symbol),
				zap.String("reason", decision.RejectReason))
			continue
		}
		perShareRisk := sig.EntryPrice - sig.StopLoss
		if perShareRisk < 0 {
			perShareRisk = -perShareRisk
		}
		pendingRisk += perShareRisk * float64(decision.Shares)
		orders = append(orders, order{signal: sig, decision: decision})
	}
	return orders
}

// executeOrders fills approved orders at the day's open adjusted for
// slippage, plus the full charge schedule. An order the cash cannot cover
// is skipped, not retried.
func (e *Engine) executeOrders(day time.Time, orders []order) {
	for _, o := range orders {
		bar, ok := e.barOn(o.signal.Symbol, day)
		if !ok {
			e.skips[SkipMissingBar]++
			continue
		}

		entrySide := marketdata.OrderSideBuy
		if o.signal.Side == marketdata.PositionSideShort {
			entrySide = marketdata.OrderSideSell
		}

		res := e.slip.Estimate(e.liquidity(o.signal.Symbol, day), entrySide,
			o.decision.PositionValue, bar.Open, slippage.OrderTypeMarket, slippage.SessionOpen,
			e.cfg.Backtest.VolatilityIndex)

		fillPrice := res.AdjustedPrice
		tradeValue := fillPrice * float64(o.decision.Shares)
		charges := e.costs.Charges(entrySide, e.class, tradeValue)
		totalCost := tradeValue + charges.Total

		if totalCost > e.portfolio.Cash() {
			e.skips[SkipInsufficientCash]++
			e.logger.Debug("Order skipped, insufficient cash",
				zap.String("symbol", o.signal.Symbol),
				zap.Float64("required", totalCost),
				zap.Float64("cash", e.portfolio.Cash()))
			continue
		}

		slipCost := (fillPrice - bar.Open) * float64(o.decision.Shares)
		if slipCost < 0 {
			slipCost = -slipCost
		}

		pos := portfolio.Position{
			Symbol:        o.signal.Symbol,
			Side:          o.signal.Side,
			EntryDate:     day,
			EntryPrice:    fillPrice,
			Shares:        o.decision.Shares,
			StopLoss:      o.signal.StopLoss,
			Target:        o.signal.Target,
			EntryCosts:    charges.Total,
			EntrySlippage: slipCost,
		}
		if err := e.portfolio.Open(pos, totalCost); err != nil {
			e.logger.Error("Order execution failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		e.logger.Debug("Position opened",
			zap.String("symbol", pos.Symbol),
			zap.String("side", pos.Side),
			zap.Int("shares", pos.Shares),
			zap.Float64("fill_price", fillPrice))
	}
}

// markToMarket closes out the day: open positions are valued at the day's
// closes and the equity point is appended.
func (e *Engine) markToMarket(day time.Time) {
	closes := make(map[string]float64)
	for symbol := range e.series {
		if bar, ok := e.barOn(symbol, day); ok {
			closes[symbol] = bar.Close
		}
	}
	pt := e.portfolio.MarkToMarket(day, closes)
	e.logger.Debug("End of day",
		zap.String("date", day.Format("2006-01-02")),
		zap.Float64("equity", pt.Equity),
		zap.Float64("cash", pt.Cash),
		zap.Float64("drawdown", pt.Drawdown))
}

// closeRemaining flattens the book at the last known prices after the final
// day. These closes exist for reporting only and are excluded from trade
// statistics.
func (e *Engine) closeRemaining() {
	last := e.calendar[len(e.calendar)-1]
	for _, pos := range e.portfolio.OpenPositions() {
		price, ok := e.portfolio.LastPrice(pos.Symbol)
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		if _, err := e.portfolio.Close(pos.Symbol, last, price, ExitEndOfBacktest, 0); err != nil {
			e.logger.Error("End-of-run close failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
}

// barOn returns the bar for symbol on the given day, if one exists.
func (e *Engine) barOn(symbol string, day time.Time) (marketdata.Bar, bool) {
	ss, ok := e.series[symbol]
	if !ok {
		return marketdata.Bar{}, false
	}
	i, ok := ss.index[day.Unix()]
	if !ok {
		return marketdata.Bar{}, false
	}
	return ss.bars[i], true
}

// historyBefore returns all bars for symbol dated strictly before day.
func (e *Engine) historyBefore(symbol string, day time.Time) []marketdata.Bar {
	ss, ok := e.series[symbol]
	if !ok {
		return nil
	}
	n := sort.Search(len(ss.bars), func(i int) bool {
		return !ss.bars[i].Date.Before(day)
	})
	return ss.bars[:n]
}

// liquidity computes trailing average volume and turnover from bars dated
// before the given day, so the slippage inputs stay point-in-time.
func (e *Engine) liquidity(symbol string, day time.Time) slippage.Liquidity {
	history := e.historyBefore(symbol, day)
	if len(history) > liquidityWindow {
		history = history[len(history)-liquidityWindow:]
	}
	if len(history) == 0 {
		return slippage.Liquidity{}
	}
	var vol, turnover float64
	for _, b := range history {
		vol += b.Volume
		turnover += b.Volume * b.Close
	}
	n := float64(len(history))
	return slippage.Liquidity{AvgDailyVolume: vol / n, AvgDailyTurnover: turnover / n}
}
