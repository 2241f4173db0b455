package strategy

import (
	"fmt"

	"equity-backtester-go/internal/marketdata"
)

// Signal is a one-day trade intent for a single symbol. It is produced from
// bars dated strictly before the simulated day and is discarded after that
// day whether or not it results in a position.
type Signal struct {
	Symbol     string
	Side       string  // marketdata.PositionSideLong or PositionSideShort
	EntryPrice float64 // reference price, typically the prior close
	StopLoss   float64
	Target     float64
	Strength   float64 // [0,1]
}

// Validate rejects malformed signals at the boundary so downstream code can
// assume well-formed inputs.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has empty symbol")
	}
	if s.Side != marketdata.PositionSideLong && s.Side != marketdata.PositionSideShort {
		return fmt.Errorf("signal %s: invalid side %q", s.Symbol, s.Side)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s: entry price must be positive, got %v", s.Symbol, s.EntryPrice)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("signal %s: strength %v outside [0,1]", s.Symbol, s.Strength)
	}
	switch s.Side {
	case marketdata.PositionSideLong:
		if s.StopLoss <= 0 || s.StopLoss >= s.EntryPrice {
			return fmt.Errorf("signal %s: long stop %v must be below entry %v", s.Symbol, s.StopLoss, s.EntryPrice)
		}
		if s.Target <= s.EntryPrice {
			return fmt.Errorf("signal %s: long target %v must be above entry %v", s.Symbol, s.Target, s.EntryPrice)
		}
	case marketdata.PositionSideShort:
		if s.StopLoss <= s.EntryPrice {
			return fmt.Errorf("signal %s: short stop %v must be above entry %v", s.Symbol, s.StopLoss, s.EntryPrice)
		}
		if s.Target <= 0 || s.Target >= s.EntryPrice {
			return fmt.Errorf("signal %s: short target %v must be below entry %v", s.Symbol, s.Target, s.EntryPrice)
		}
	}
	return nil
}

// SignalGenerator produces at most one signal per symbol per day. The bars
// argument only ever contains data dated strictly before the simulated day.
type SignalGenerator interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Generate inspects the history and returns a signal, or nil when the
	// strategy sees nothing to do.
	Generate(symbol string, bars []marketdata.Bar) (*Signal, error)
}
