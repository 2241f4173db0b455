package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

// InstrumentClass distinguishes fee and risk treatment of an instrument.
type InstrumentClass string

const (
	InstrumentEquityDelivery InstrumentClass = "EQUITY_DELIVERY"
	InstrumentEquityIntraday InstrumentClass = "EQUITY_INTRADAY"
	InstrumentFutures        InstrumentClass = "FUTURES"
)

// IsDerivative reports whether the class uses derivative risk caps.
func (c InstrumentClass) IsDerivative() bool {
	return c == InstrumentFutures
}

// Bar is a single daily OHLCV bar.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ErrUnorderedSeries marks a bar series whose dates are not strictly
// ascending. The simulation cannot certify its no-look-ahead guarantee on
// such input, so callers must treat this as fatal.
var ErrUnorderedSeries = errors.New("bar series dates are not strictly ascending")

// IsUnordered reports whether err stems from an unordered bar series.
func IsUnordered(err error) bool {
	return errors.Is(err, ErrUnorderedSeries)
}

// ValidateSeries checks that the series is strictly ascending by date with
// no duplicates.
func ValidateSeries(symbol string, bars []Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Date.After(bars[i-1].Date) {
			return fmt.Errorf("symbol %s: bar %d (%s) not after bar %d (%s): %w",
				symbol, i, bars[i].Date.Format("2006-01-02"),
				i-1, bars[i-1].Date.Format("2006-01-02"),
				ErrUnorderedSeries)
		}
	}
	return nil
}

// HistoricalDataProvider supplies daily bars for a symbol over a date range.
// Implementations must return bars strictly ascending by date with no
// duplicates and must never fabricate data for missing days.
type HistoricalDataProvider interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}
