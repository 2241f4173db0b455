// Package performance tracks trailing strategy statistics for the position
// sizer. The tracker never fabricates history: with no recorded trades it
// reports a zero trade count and lets the sizer fall back to its
// conservative default.
package performance

import (
	"sync"

	"equity-backtester-go/internal/portfolio"
	"equity-backtester-go/internal/sizing"
)

// outcome is one recorded trade result, as a signed fractional return.
type outcome struct {
	strategy  string
	returnPct float64 // percent, signed
}

// Tracker accumulates per-strategy trade outcomes and serves trailing-window
// statistics.
type Tracker struct {
	mu       sync.Mutex
	outcomes []outcome
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Record appends a closed trade's outcome for its strategy.
func (t *Tracker) Record(strategyName string, trade portfolio.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = append(t.outcomes, outcome{strategy: strategyName, returnPct: trade.ReturnPct})
}

// Stats returns trailing statistics over the last lookbackN outcomes for the
// named strategy. AvgWinPct and AvgLossPct are positive fractions.
func (t *Tracker) Stats(strategyName string, lookbackN int) sizing.StrategyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var window []float64
	for i := len(t.outcomes) - 1; i >= 0 && len(window) < lookbackN; i-- {
		if t.outcomes[i].strategy == strategyName {
			window = append(window, t.outcomes[i].returnPct)
		}
	}
	if len(window) == 0 {
		return sizing.StrategyStats{}
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, r := range window {
		if r > 0 {
			wins++
			winSum += r
		} else {
			losses++
			lossSum += -r
		}
	}

	stats := sizing.StrategyStats{TradeCount: len(window)}
	stats.WinRate = float64(wins) / float64(len(window))
	if wins > 0 {
		stats.AvgWinPct = winSum / float64(wins) / 100
	}
	if losses > 0 {
		stats.AvgLossPct = lossSum / float64(losses) / 100
	}
	return stats
}
