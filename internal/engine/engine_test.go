package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"equity-backtester-go/internal/config"
	"equity-backtester-go/internal/costs"
	"equity-backtester-go/internal/marketdata"
	"equity-backtester-go/internal/performance"
	"equity-backtester-go/internal/sizing"
	"equity-backtester-go/internal/slippage"
	"equity-backtester-go/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var seriesStart = time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)

// flatBars builds n consecutive daily bars at a constant price level.
func flatBars(n int, price float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, n)
	for i := range bars {
		bars[i] = marketdata.Bar{
			Date:   seriesStart.AddDate(0, 0, i),
			Open:   price,
			High:   price + 2,
			Low:    price - 1.5,
			Close:  price,
			Volume: 1_000_000,
		}
	}
	return bars
}

// trendBars builds n consecutive daily bars drifting by step per day.
func trendBars(n int, base, step float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, n)
	for i := range bars {
		p := base + step*float64(i)
		bars[i] = marketdata.Bar{
			Date:   seriesStart.AddDate(0, 0, i),
			Open:   p,
			High:   p + 2,
			Low:    p - 2,
			Close:  p + 0.5,
			Volume: 1_000_000,
		}
	}
	return bars
}

type genCall struct {
	symbol   string
	lastDate time.Time
	barCount int
}

// stubGenerator records every call and fires signals through an injected
// rule, so tests control exactly when entries happen.
type stubGenerator struct {
	mu    sync.Mutex
	calls []genCall
	fire  func(symbol string, bars []marketdata.Bar) *strategy.Signal
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(symbol string, bars []marketdata.Bar) (*strategy.Signal, error) {
	s.mu.Lock()
	s.calls = append(s.calls, genCall{symbol: symbol, lastDate: bars[len(bars)-1].Date, barCount: len(bars)})
	s.mu.Unlock()
	if s.fire == nil {
		return nil, nil
	}
	return s.fire(symbol, bars), nil
}

// fireAt returns a rule emitting one long signal when the history reaches
// exactly barCount bars.
func fireAt(barCount int) func(string, []marketdata.Bar) *strategy.Signal {
	return func(symbol string, bars []marketdata.Bar) *strategy.Signal {
		if len(bars) != barCount {
			return nil
		}
		entry := bars[len(bars)-1].Close
		return &strategy.Signal{
			Symbol:     symbol,
			Side:       marketdata.PositionSideLong,
			EntryPrice: entry,
			StopLoss:   entry * 0.98,
			Target:     entry * 1.04,
			Strength:   1.0,
		}
	}
}

func testConfig(universe []string, start, end time.Time) *config.Config {
	return &config.Config{
		Backtest: config.Backtest{
			StartDate:       start.Format("2006-01-02"),
			EndDate:         end.Format("2006-01-02"),
			Universe:        universe,
			InitialCapital:  100_000,
			MaxDrawdownPct:  0.5,
			InstrumentClass: string(marketdata.InstrumentEquityDelivery),
			MinLookbackBars: 100,
			VolatilityIndex: 15,
		},
	}
}

func noHalfKellySizer() *sizing.Sizer {
	cfg := sizing.DefaultConfig()
	cfg.HalfKelly = false
	return sizing.NewSizer(cfg)
}

func newTestEngine(t *testing.T, cfg *config.Config, series map[string][]marketdata.Bar, gen strategy.SignalGenerator, sizer *sizing.Sizer) *Engine {
	t.Helper()
	provider, err := marketdata.NewMemoryProvider(series)
	require.NoError(t, err)
	if sizer == nil {
		sizer = noHalfKellySizer()
	}
	return NewEngine(zap.NewNop(), cfg, provider, gen, performance.NewTracker(),
		sizer, costs.NewDefaultModel(), slippage.NewDefaultModel())
}

func TestRun_SignalsNeverSeeCurrentDay(t *testing.T) {
	bars := trendBars(160, 100, 0.1)
	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	gen := &stubGenerator{}

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, gen.calls)
	for _, c := range gen.calls {
		// History must end at the prior bar: the simulated day's own bar is
		// bars[c.barCount], strictly after everything the generator saw.
		assert.Equal(t, bars[c.barCount-1].Date, c.lastDate)
		assert.True(t, c.lastDate.Before(bars[c.barCount].Date))
	}
}

func TestRun_MinimumLookbackEnforced(t *testing.T) {
	bars := trendBars(160, 100, 0.1)
	// Start while fewer than 100 prior bars exist.
	cfg := testConfig([]string{"AAA"}, bars[90].Date, bars[159].Date)
	gen := &stubGenerator{}

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, report.SkipBreakdown[SkipInsufficientLookback])
	for _, c := range gen.calls {
		assert.GreaterOrEqual(t, c.barCount, 100)
	}
}

func TestRun_DeterministicAcrossRuns(t *testing.T) {
	series := map[string][]marketdata.Bar{
		"AAA": trendBars(160, 100, 0.3),
		"BBB": trendBars(160, 250, 0.5),
		"CCC": trendBars(160, 80, 0.2),
	}
	start, end := series["AAA"][110].Date, series["AAA"][159].Date

	// Fire on a deterministic rule so multiple symbols trade.
	periodic := func(symbol string, bars []marketdata.Bar) *strategy.Signal {
		if len(bars)%13 != 0 {
			return nil
		}
		return fireAt(len(bars))(symbol, bars)
	}

	run := func() *Report {
		cfg := testConfig([]string{"AAA", "BBB", "CCC"}, start, end)
		e := newTestEngine(t, cfg, series, &stubGenerator{fire: periodic}, nil)
		report, err := e.Run(context.Background())
		require.NoError(t, err)
		return report
	}

	first := run()
	second := run()

	require.NotEmpty(t, first.Trades)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.EquitySeries, second.EquitySeries)
	assert.Equal(t, first.SkipBreakdown, second.SkipBreakdown)
	assert.Equal(t, first.FinalEquity, second.FinalEquity)
}

func TestRun_UnorderedSeriesIsFatal(t *testing.T) {
	bars := trendBars(160, 100, 0.1)
	// Swap two bars to break the ordering.
	bars[50], bars[51] = bars[51], bars[50]

	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	e := NewEngine(zap.NewNop(), cfg, rawProvider{bars: bars}, &stubGenerator{},
		performance.NewTracker(), noHalfKellySizer(), costs.NewDefaultModel(), slippage.NewDefaultModel())

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, marketdata.IsUnordered(err))
}

// rawProvider hands back its bars without validating, standing in for a
// misbehaving data source.
type rawProvider struct {
	bars []marketdata.Bar
}

func (p rawProvider) GetBars(_ context.Context, _ string, _, _ time.Time) ([]marketdata.Bar, error) {
	return p.bars, nil
}

func TestRun_GapThroughStopExitsAtOpen(t *testing.T) {
	bars := flatBars(160, 100)
	// Position opens on bar 115 (signal fired with 115 bars of history).
	// Two days later the price gaps far below the 98 stop.
	for i := 117; i < 160; i++ {
		bars[i].Open, bars[i].High, bars[i].Low, bars[i].Close = 90, 91, 88, 89
	}

	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	gen := &stubGenerator{fire: fireAt(115)}
	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, report.Trades)
	trade := report.Trades[0]
	assert.Equal(t, ExitStopLossGap, trade.ExitReason)
	assert.Equal(t, bars[117].Date, trade.ExitDate)
	// The fill is the gapped open less slippage, far below the nominal stop.
	assert.LessOrEqual(t, trade.ExitPrice, 90.0)
	assert.Less(t, trade.NetPnL, 0.0)
}

func TestRun_StopHitIntradayExitsAtStop(t *testing.T) {
	bars := flatBars(160, 100)
	// Bar 117 trades down through the stop without gapping: open above it,
	// low below it.
	for i := 117; i < 160; i++ {
		bars[i].Open, bars[i].High, bars[i].Low, bars[i].Close = 99, 100, 97, 97.5
	}

	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	gen := &stubGenerator{fire: fireAt(115)}
	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, report.Trades)
	trade := report.Trades[0]
	assert.Equal(t, ExitStopLoss, trade.ExitReason)
	// Stop-market fill: the nominal stop worsened by slippage.
	assert.Less(t, trade.ExitPrice, 98.0)
	assert.Greater(t, trade.ExitPrice, 97.0)
}

func TestRun_TargetHitExitsAtTarget(t *testing.T) {
	bars := flatBars(160, 100)
	// Bar 118 rallies through the 104 target.
	for i := 118; i < 160; i++ {
		bars[i].Open, bars[i].High, bars[i].Low, bars[i].Close = 103, 106, 102, 105
	}

	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	gen := &stubGenerator{fire: fireAt(115)}
	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, report.Trades)
	trade := report.Trades[0]
	assert.Equal(t, ExitTarget, trade.ExitReason)
	// Target is a resting limit: it fills at its price, no slippage.
	assert.InDelta(t, 104.0, trade.ExitPrice, 0.01)
	assert.Greater(t, trade.NetPnL, 0.0)
}

func TestRun_InsufficientCashSkipsOrder(t *testing.T) {
	series := make(map[string][]marketdata.Bar)
	universe := []string{"S01", "S02", "S03", "S04", "S05", "S06", "S07", "S08", "S09", "S10", "S11", "S12"}
	for _, sym := range universe {
		series[sym] = flatBars(160, 100)
	}
	bars := series["S01"]

	cfg := testConfig(universe, bars[110].Date, bars[159].Date)
	// Every symbol fires on the same day; each order wants 10% of equity.
	gen := &stubGenerator{fire: fireAt(115)}
	e := newTestEngine(t, cfg, series, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	// The first nine orders spend nearly all cash, the tenth cannot be paid
	// for, and the risk budget rejects the tail during sizing.
	assert.GreaterOrEqual(t, report.SkipBreakdown[SkipInsufficientCash], 1)
	assert.GreaterOrEqual(t, report.SkipBreakdown[sizing.ReasonTotalRiskExceeded], 1)
}

func TestRun_DrawdownHaltsNewEntries(t *testing.T) {
	loser := flatBars(160, 100)
	// After the entry on bar 115 the price collapses below the stop.
	for i := 116; i < 160; i++ {
		loser[i].Open, loser[i].High, loser[i].Low, loser[i].Close = 95, 96, 93, 94
	}
	series := map[string][]marketdata.Bar{
		"AAA": loser,
		"BBB": flatBars(160, 100),
	}

	cfg := testConfig([]string{"AAA", "BBB"}, loser[110].Date, loser[159].Date)
	cfg.Backtest.MaxDrawdownPct = 0.001

	var mu sync.Mutex
	fired := map[string]bool{}
	gen := &stubGenerator{fire: func(symbol string, bars []marketdata.Bar) *strategy.Signal {
		mu.Lock()
		defer mu.Unlock()
		if fired[symbol] {
			return nil
		}
		// AAA enters first and loses; BBB tries afterwards.
		if symbol == "AAA" && len(bars) == 115 {
			fired[symbol] = true
			return fireAt(115)(symbol, bars)
		}
		if symbol == "BBB" && len(bars) == 125 {
			fired[symbol] = true
			return fireAt(125)(symbol, bars)
		}
		return nil
	}}

	e := newTestEngine(t, cfg, series, gen, nil)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, report.SkipBreakdown[SkipDrawdownHalt], 1)
	for _, trade := range report.Trades {
		assert.NotEqual(t, "BBB", trade.Symbol)
	}
}

func TestRun_OpenPositionFlattenedForReportingOnly(t *testing.T) {
	bars := flatBars(160, 100)
	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	// Fire near the end so the position is still open at the final day:
	// flat prices never touch the 98 stop or the 104 target.
	gen := &stubGenerator{fire: fireAt(155)}
	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	assert.Equal(t, ExitEndOfBacktest, report.Trades[0].ExitReason)
	// Flattening closes are reporting artifacts, not trades.
	assert.Equal(t, 0, report.TotalTrades)
}

func TestRun_TimeExitClosesStalePositions(t *testing.T) {
	bars := flatBars(160, 100)
	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)
	cfg.Backtest.MaxHoldingDays = 5

	gen := &stubGenerator{fire: fireAt(115)}
	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, report.Trades)
	trade := report.Trades[0]
	assert.Equal(t, ExitTime, trade.ExitReason)
	assert.Equal(t, bars[120].Date, trade.ExitDate)
}

func TestRun_MissingBarSkipsSymbolForDay(t *testing.T) {
	full := trendBars(160, 100, 0.1)
	// Drop one mid-range bar: that day the symbol is skipped, the run goes on.
	gapped := append(append([]marketdata.Bar{}, full[:130]...), full[131:]...)

	cfg := testConfig([]string{"AAA", "BBB"}, full[110].Date, full[159].Date)
	gen := &stubGenerator{}
	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": gapped, "BBB": full}, gen, nil)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, report.SkipBreakdown[SkipMissingBar], 1)
	// The calendar still includes the day BBB traded.
	assert.Len(t, report.EquitySeries, 50)
}

func TestRun_InvalidConfigRejectedBeforeRun(t *testing.T) {
	bars := flatBars(160, 100)
	cfg := testConfig([]string{"AAA"}, bars[120].Date, bars[110].Date) // start after end

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, &stubGenerator{}, nil)
	_, err := e.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_ZeroTradesIsExplainable(t *testing.T) {
	bars := trendBars(160, 100, 0.1)
	cfg := testConfig([]string{"AAA"}, bars[90].Date, bars[159].Date)

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, &stubGenerator{}, nil)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.TotalTrades)
	assert.NotEmpty(t, report.SkipBreakdown)
}

func TestRun_CancellationStopsAtDayBoundary(t *testing.T) {
	bars := trendBars(160, 100, 0.1)
	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the first day

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, &stubGenerator{}, nil)
	_, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_EquityMatchesCashWhenFlat(t *testing.T) {
	bars := trendBars(160, 100, 0.1)
	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[159].Date)

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, &stubGenerator{}, nil)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	// No trades: every equity point equals cash equals initial capital.
	for _, pt := range report.EquitySeries {
		assert.Equal(t, pt.Cash, pt.Equity)
		assert.Equal(t, 100_000.0, pt.Equity)
	}
}

func TestRun_UsesMomentumGeneratorEndToEnd(t *testing.T) {
	// An uptrend with periodic spike closes above the trailing high keeps
	// producing breakouts for the real strategy.
	bars := trendBars(200, 100, 1.0)
	for i := 25; i < 200; i += 25 {
		bars[i].Close = bars[i].Open + 4
		bars[i].High = bars[i].Close
	}
	cfg := testConfig([]string{"AAA"}, bars[110].Date, bars[199].Date)

	e := newTestEngine(t, cfg, map[string][]marketdata.Bar{"AAA": bars}, strategy.NewMomentumBreakout(), nil)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.Trades)
	assert.Greater(t, report.FinalEquity, 0.0)
}
