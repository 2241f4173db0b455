package strategy

import (
	"math"

	"equity-backtester-go/internal/marketdata"
)

// MomentumBreakout signals a long entry when the latest close breaks above
// the highest high of the preceding lookback window. Stops and targets are
// placed as ATR multiples around the reference price.
type MomentumBreakout struct {
	Lookback   int
	ATRPeriod  int
	StopATR    float64
	TargetATR  float64
}

// NewMomentumBreakout returns the generator with its standard parameters:
// 20-day breakout, 14-day ATR, 2x ATR stop, 3x ATR target.
func NewMomentumBreakout() *MomentumBreakout {
	return &MomentumBreakout{
		Lookback:  20,
		ATRPeriod: 14,
		StopATR:   2.0,
		TargetATR: 3.0,
	}
}

func (m *MomentumBreakout) Name() string {
	return "MomentumBreakout"
}

// Generate returns a long breakout signal or nil.
func (m *MomentumBreakout) Generate(symbol string, bars []marketdata.Bar) (*Signal, error) {
	need := m.Lookback + 1
	if m.ATRPeriod+1 > need {
		need = m.ATRPeriod + 1
	}
	if len(bars) < need {
		return nil, nil
	}

	last := bars[len(bars)-1]

	// Highest high of the lookback window preceding the latest bar.
	windowHigh := 0.0
	for _, b := range bars[len(bars)-1-m.Lookback : len(bars)-1] {
		if b.High > windowHigh {
			windowHigh = b.High
		}
	}
	if last.Close <= windowHigh {
		return nil, nil
	}

	atr := averageTrueRange(bars, m.ATRPeriod)
	if atr <= 0 {
		return nil, nil
	}

	stop := last.Close - m.StopATR*atr
	if stop <= 0 {
		return nil, nil
	}

	// Strength scales with how decisively price cleared the window high,
	// saturating at one ATR of breakout margin.
	strength := (last.Close - windowHigh) / atr
	if strength > 1 {
		strength = 1
	}

	sig := &Signal{
		Symbol:     symbol,
		Side:       marketdata.PositionSideLong,
		EntryPrice: last.Close,
		StopLoss:   stop,
		Target:     last.Close + m.TargetATR*atr,
		Strength:   strength,
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

// averageTrueRange is the simple mean of the true range over the last
// period bars.
func averageTrueRange(bars []marketdata.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		tr := bars[i].High - bars[i].Low
		tr = math.Max(tr, math.Abs(bars[i].High-bars[i-1].Close))
		tr = math.Max(tr, math.Abs(bars[i].Low-bars[i-1].Close))
		sum += tr
	}
	return sum / float64(period)
}
