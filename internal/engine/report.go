package engine

import (
	"math"
	"time"

	"equity-backtester-go/internal/models"
	"equity-backtester-go/internal/portfolio"
)

// Report is the run output handed to the reporting layer: the trade log,
// the daily equity series, summary statistics and the breakdown of skipped
// or rejected entries by reason. The breakdown makes a zero-trade run
// explainable.
type Report struct {
	Strategy       string
	StartDate      time.Time
	EndDate        time.Time
	InitialCapital float64
	FinalEquity    float64
	TotalReturnPct float64
	CAGRPct        float64
	MaxDrawdownPct float64
	WinRatePct     float64
	TotalTrades    int
	Wins           int
	Losses         int
	SkipBreakdown  map[string]int
	Trades         []portfolio.Trade
	EquitySeries   []portfolio.EquityPoint
}

// buildReport assembles the report from the finished portfolio. End-of-run
// flattening closes are carried in the trade log but excluded from the
// win/loss statistics.
func (e *Engine) buildReport() *Report {
	bt := &e.cfg.Backtest
	trades := e.portfolio.TradeLog()
	series := e.portfolio.EquitySeries()

	r := &Report{
		Strategy:       e.generator.Name(),
		StartDate:      bt.Start(),
		EndDate:        bt.End(),
		InitialCapital: bt.InitialCapital,
		FinalEquity:    bt.InitialCapital,
		SkipBreakdown:  make(map[string]int, len(e.skips)),
		Trades:         trades,
		EquitySeries:   series,
	}
	for reason, n := range e.skips {
		r.SkipBreakdown[reason] = n
	}

	if len(series) > 0 {
		r.FinalEquity = series[len(series)-1].Equity
	}
	r.TotalReturnPct = (r.FinalEquity - r.InitialCapital) / r.InitialCapital * 100

	maxDD := 0.0
	for _, pt := range series {
		if pt.Drawdown > maxDD {
			maxDD = pt.Drawdown
		}
	}
	r.MaxDrawdownPct = maxDD * 100

	for _, t := range trades {
		if t.ExitReason == ExitEndOfBacktest {
			continue
		}
		r.TotalTrades++
		if t.NetPnL > 0 {
			r.Wins++
		} else {
			r.Losses++
		}
	}
	if r.TotalTrades > 0 {
		r.WinRatePct = float64(r.Wins) / float64(r.TotalTrades) * 100
	}

	years := r.EndDate.Sub(r.StartDate).Hours() / 24 / 365.25
	if years > 0 && r.FinalEquity > 0 {
		r.CAGRPct = (math.Pow(r.FinalEquity/r.InitialCapital, 1/years) - 1) * 100
	}
	return r
}

// ToModel converts the report into its persisted form.
func (r *Report) ToModel() *models.BacktestRun {
	return &models.BacktestRun{
		Strategy:       r.Strategy,
		StartDate:      r.StartDate.Format("2006-01-02"),
		EndDate:        r.EndDate.Format("2006-01-02"),
		InitialCapital: r.InitialCapital,
		FinalEquity:    r.FinalEquity,
		TotalReturnPct: r.TotalReturnPct,
		CAGRPct:        r.CAGRPct,
		MaxDrawdownPct: r.MaxDrawdownPct,
		WinRatePct:     r.WinRatePct,
		TotalTrades:    r.TotalTrades,
		Wins:           r.Wins,
		Losses:         r.Losses,
	}
}
