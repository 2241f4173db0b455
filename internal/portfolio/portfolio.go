// Package portfolio owns the mutable state of a backtest run: cash, open
// positions, the append-only trade log and the daily equity series. The
// simulation engine is the sole writer; everything else reads through the
// query methods.
package portfolio

import (
	"fmt"
	"math"
	"sort"
	"time"

	"equity-backtester-go/internal/marketdata"
)

// Position is an open holding. Created when an order fills, mutated only by
// the engine, and converted into exactly one Trade on exit.
type Position struct {
	Symbol        string
	Side          string // marketdata.PositionSideLong or PositionSideShort
	EntryDate     time.Time
	EntryPrice    float64 // fill price after slippage
	Shares        int
	StopLoss      float64
	Target        float64
	EntryCosts    float64 // fees charged on entry
	EntrySlippage float64 // currency lost to the entry fill deviation

	lastPrice float64 // most recent close seen for this symbol
}

// Trade is a closed position. Immutable once written to the log.
type Trade struct {
	Symbol        string
	Side          string
	EntryDate     time.Time
	EntryPrice    float64
	ExitDate      time.Time
	ExitPrice     float64
	ExitReason    string
	Shares        int
	EntryCosts    float64
	ExitCosts     float64
	EntrySlippage float64
	GrossPnL      float64
	NetPnL        float64
	ReturnPct     float64
}

// EquityPoint is one day of the equity series.
type EquityPoint struct {
	Date     time.Time
	Equity   float64
	Cash     float64
	Drawdown float64 // fraction of peak equity
}

// Portfolio is the ledger for a single run.
type Portfolio struct {
	initialCapital float64
	cash           float64
	peakEquity     float64
	positions      map[string]*Position
	trades         []Trade
	series         []EquityPoint
}

// New creates a ledger. A non-positive initial capital is a calling-contract
// violation and returns an error.
func New(initialCapital float64) (*Portfolio, error) {
	if initialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", initialCapital)
	}
	return &Portfolio{
		initialCapital: initialCapital,
		cash:           initialCapital,
		peakEquity:     initialCapital,
		positions:      make(map[string]*Position),
	}, nil
}

// Open records a fill: cash is debited by the position's entry value plus
// costs and the position joins the open set. One position per symbol.
func (p *Portfolio) Open(pos Position, totalCost float64) error {
	if _, exists := p.positions[pos.Symbol]; exists {
		return fmt.Errorf("position already open for %s", pos.Symbol)
	}
	if pos.Shares <= 0 {
		return fmt.Errorf("cannot open %s with %d shares", pos.Symbol, pos.Shares)
	}
	if totalCost > p.cash {
		return fmt.Errorf("opening %s needs %.2f but only %.2f cash available", pos.Symbol, totalCost, p.cash)
	}
	p.cash -= totalCost
	pos.lastPrice = pos.EntryPrice
	p.positions[pos.Symbol] = &pos
	return nil
}

// Close exits the position at exitPrice, credits cash and appends the
// resulting trade to the log.
func (p *Portfolio) Close(symbol string, exitDate time.Time, exitPrice float64, exitReason string, exitCosts float64) (Trade, error) {
	pos, ok := p.positions[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("no open position for %s", symbol)
	}

	entryValue := pos.EntryPrice * float64(pos.Shares)
	gross := (exitPrice - pos.EntryPrice) * float64(pos.Shares)
	if pos.Side == marketdata.PositionSideShort {
		gross = -gross
	}

	// Longs hold stock: selling returns the exit value. Shorts reserve the
	// entry value as margin on open: closing returns margin plus PnL.
	if pos.Side == marketdata.PositionSideLong {
		p.cash += exitPrice*float64(pos.Shares) - exitCosts
	} else {
		p.cash += entryValue + gross - exitCosts
	}

	returnPct := 0.0
	if entryValue > 0 {
		returnPct = gross / entryValue * 100
	}

	t := Trade{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryDate:     pos.EntryDate,
		EntryPrice:    pos.EntryPrice,
		ExitDate:      exitDate,
		ExitPrice:     exitPrice,
		ExitReason:    exitReason,
		Shares:        pos.Shares,
		EntryCosts:    pos.EntryCosts,
		ExitCosts:     exitCosts,
		EntrySlippage: pos.EntrySlippage,
		GrossPnL:      gross,
		NetPnL:        gross - pos.EntryCosts - exitCosts,
		ReturnPct:     returnPct,
	}
	delete(p.positions, symbol)
	p.trades = append(p.trades, t)
	return t, nil
}

// MarkToMarket values open positions at the day's closes, appends the
// resulting equity point and advances the high-water mark. Symbols missing
// from closes are valued at the last price seen.
func (p *Portfolio) MarkToMarket(date time.Time, closes map[string]float64) EquityPoint {
	equity := p.cash
	for _, pos := range p.positions {
		if c, ok := closes[pos.Symbol]; ok && c > 0 {
			pos.lastPrice = c
		}
		equity += p.positionValue(pos)
	}
	if equity > p.peakEquity {
		p.peakEquity = equity
	}
	dd := 0.0
	if p.peakEquity > 0 {
		dd = (p.peakEquity - equity) / p.peakEquity
	}
	pt := EquityPoint{Date: date, Equity: equity, Cash: p.cash, Drawdown: dd}
	p.series = append(p.series, pt)
	return pt
}

// positionValue is the mark-to-market worth of a single open position.
func (p *Portfolio) positionValue(pos *Position) float64 {
	if pos.Side == marketdata.PositionSideShort {
		entryValue := pos.EntryPrice * float64(pos.Shares)
		return entryValue + (pos.EntryPrice-pos.lastPrice)*float64(pos.Shares)
	}
	return pos.lastPrice * float64(pos.Shares)
}

// OpenPositions returns copies of the open positions sorted by symbol.
func (p *Portfolio) OpenPositions() []Position {
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// HasPosition reports whether symbol has an open position.
func (p *Portfolio) HasPosition(symbol string) bool {
	_, ok := p.positions[symbol]
	return ok
}

// LastPrice returns the most recent price seen for an open position.
func (p *Portfolio) LastPrice(symbol string) (float64, bool) {
	pos, ok := p.positions[symbol]
	if !ok {
		return 0, false
	}
	return pos.lastPrice, true
}

// TotalOpenRisk is the aggregate stop-implied loss across open positions.
func (p *Portfolio) TotalOpenRisk() float64 {
	risk := 0.0
	for _, pos := range p.positions {
		risk += math.Abs(pos.EntryPrice-pos.StopLoss) * float64(pos.Shares)
	}
	return risk
}

// Equity returns the most recent marked equity, or initial capital before
// the first mark.
func (p *Portfolio) Equity() float64 {
	if len(p.series) == 0 {
		return p.initialCapital
	}
	return p.series[len(p.series)-1].Equity
}

// Drawdown returns the current decline from peak equity as a fraction.
func (p *Portfolio) Drawdown() float64 {
	if len(p.series) == 0 {
		return 0
	}
	return p.series[len(p.series)-1].Drawdown
}

func (p *Portfolio) Cash() float64           { return p.cash }
func (p *Portfolio) PeakEquity() float64     { return p.peakEquity }
func (p *Portfolio) InitialCapital() float64 { return p.initialCapital }

// TradeLog returns the closed trades in close order.
func (p *Portfolio) TradeLog() []Trade {
	return append([]Trade(nil), p.trades...)
}

// EquitySeries returns the daily equity points in day order.
func (p *Portfolio) EquitySeries() []EquityPoint {
	return append([]EquityPoint(nil), p.series...)
}
