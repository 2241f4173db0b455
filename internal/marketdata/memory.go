package marketdata

import (
	"context"
	"fmt"
	"time"
)

// MemoryProvider serves pre-loaded bar series from memory. It is the
// provider the simulation engine runs against: all history is materialized
// before the daily loop starts so no phase blocks on I/O.
type MemoryProvider struct {
	series map[string][]Bar
}

// NewMemoryProvider validates every series and returns a provider over them.
func NewMemoryProvider(series map[string][]Bar) (*MemoryProvider, error) {
	for symbol, bars := range series {
		if err := ValidateSeries(symbol, bars); err != nil {
			return nil, err
		}
	}
	copied := make(map[string][]Bar, len(series))
	for symbol, bars := range series {
		copied[symbol] = append([]Bar(nil), bars...)
	}
	return &MemoryProvider{series: copied}, nil
}

// GetBars returns bars for symbol with start <= date <= end.
func (p *MemoryProvider) GetBars(_ context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	bars, ok := p.series[symbol]
	if !ok {
		return nil, fmt.Errorf("no data loaded for symbol %s", symbol)
	}
	var out []Bar
	for _, b := range bars {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

var _ HistoricalDataProvider = (*MemoryProvider)(nil)
