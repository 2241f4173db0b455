// Package sizing converts signals into risk-bounded position sizes using a
// constrained Kelly criterion. The sizer is pure: rejections and shrinks are
// returned as structured decisions, never as errors, and nothing here logs.
package sizing

import (
	"math"

	"equity-backtester-go/internal/marketdata"
	"equity-backtester-go/internal/strategy"
)

// StrategyStats summarizes a strategy's trailing performance. WinRate is a
// fraction in [0,1]; AvgWinPct and AvgLossPct are positive fractional
// returns (e.g. 0.05 for 5%).
type StrategyStats struct {
	TradeCount int
	WinRate    float64
	AvgWinPct  float64
	AvgLossPct float64
}

// Constraint identifies a rule that altered the computed size.
type Constraint string

const (
	ConstraintInsufficientHistory Constraint = "INSUFFICIENT_HISTORY"
	ConstraintKellyClamped        Constraint = "KELLY_CLAMPED"
	ConstraintHalfKelly           Constraint = "HALF_KELLY"
	ConstraintCapHit              Constraint = "CAP_HIT"
	ConstraintRiskShrunk          Constraint = "RISK_SHRUNK"
)

// Rejection reason codes.
const (
	ReasonNegativeExpectancy = "NEGATIVE_EXPECTANCY"
	ReasonPositionTooSmall   = "POSITION_TOO_SMALL"
	ReasonTotalRiskExceeded  = "TOTAL_RISK_EXCEEDED"
)

// Decision is the full audit record of one sizing computation.
type Decision struct {
	PositionValue float64
	Shares        int
	KellyFraction float64 // fraction actually used, after all adjustments
	RawKelly      float64 // clamped Kelly before halving and scaling
	Constraints   []Constraint
	Approved      bool
	RejectReason  string
}

// Input carries the capital and context figures a sizing call needs.
type Input struct {
	CurrentCapital float64
	PeakCapital    float64
	InitialCapital float64
	OpenRisk       float64 // aggregate stop-implied loss of open positions
	Class          marketdata.InstrumentClass
	Sentiment      float64 // [-1,1], optional external input
}

// Config holds the sizer's tunables.
type Config struct {
	MinTradeHistory      int     // below this, ConservativeFraction is used
	ConservativeFraction float64
	MaxKelly             float64 // overfitting guard
	HalfKelly            bool
	EquityCapPct         float64 // max position value as fraction of capital
	DerivativeCapPct     float64
	MaxTotalRiskPct      float64 // of peak capital
}

// DefaultConfig returns the standard sizing parameters.
func DefaultConfig() Config {
	return Config{
		MinTradeHistory:      30,
		ConservativeFraction: 0.10,
		MaxKelly:             0.50,
		HalfKelly:            true,
		EquityCapPct:         0.20,
		DerivativeCapPct:     0.04,
		MaxTotalRiskPct:      0.02,
	}
}

// Sizer computes position sizes. Safe for concurrent use.
type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// RawKelly computes the unclamped Kelly fraction from trailing stats.
func RawKelly(stats StrategyStats) float64 {
	if stats.AvgWinPct <= 0 {
		return 0
	}
	return (stats.WinRate*stats.AvgWinPct - (1-stats.WinRate)*stats.AvgLossPct) / stats.AvgWinPct
}

// Size converts a signal into a position size decision. The decision is
// rejected (Approved=false) exactly when the resulting share count is zero
// or negative; every constraint that altered the size is recorded.
func (s *Sizer) Size(sig *strategy.Signal, stats StrategyStats, in Input) Decision {
	var d Decision

	kelly := 0.0
	if stats.TradeCount < s.cfg.MinTradeHistory {
		kelly = s.cfg.ConservativeFraction
		d.Constraints = append(d.Constraints, ConstraintInsufficientHistory)
	} else {
		kelly = RawKelly(stats)
		if kelly < 0 {
			kelly = 0
		} else if kelly > s.cfg.MaxKelly {
			kelly = s.cfg.MaxKelly
			d.Constraints = append(d.Constraints, ConstraintKellyClamped)
		}
	}
	d.RawKelly = kelly

	if kelly <= 0 {
		d.RejectReason = ReasonNegativeExpectancy
		return d
	}

	if s.cfg.HalfKelly {
		kelly /= 2
		d.Constraints = append(d.Constraints, ConstraintHalfKelly)
	}

	kelly *= profitScale(in.CurrentCapital, in.InitialCapital)
	kelly *= sig.Strength
	kelly *= 1 + in.Sentiment*0.10
	d.KellyFraction = kelly

	positionValue := kelly * in.CurrentCapital
	cap := in.CurrentCapital * s.capPct(in.Class)
	if positionValue > cap {
		positionValue = cap
		d.Constraints = append(d.Constraints, ConstraintCapHit)
	}

	shares := int(math.Floor(positionValue / sig.EntryPrice))
	if shares <= 0 {
		d.RejectReason = ReasonPositionTooSmall
		return d
	}

	// Total-risk budget: the stop-implied loss of this trade plus all open
	// positions may not exceed MaxTotalRiskPct of peak capital.
	perShareRisk := math.Abs(sig.EntryPrice - sig.StopLoss)
	if perShareRisk > 0 {
		maxTotalRisk := in.PeakCapital * s.cfg.MaxTotalRiskPct
		tradeRisk := float64(shares) * perShareRisk
		if in.OpenRisk+tradeRisk > maxTotalRisk {
			available := maxTotalRisk - in.OpenRisk
			if available <= 0 {
				d.RejectReason = ReasonTotalRiskExceeded
				return d
			}
			shares = int(math.Floor(available / perShareRisk))
			if shares <= 0 {
				d.RejectReason = ReasonTotalRiskExceeded
				return d
			}
			d.Constraints = append(d.Constraints, ConstraintRiskShrunk)
		}
	}

	d.Shares = shares
	d.PositionValue = float64(shares) * sig.EntryPrice
	d.Approved = true
	return d
}

func (s *Sizer) capPct(class marketdata.InstrumentClass) float64 {
	if class.IsDerivative() {
		return s.cfg.DerivativeCapPct
	}
	return s.cfg.EquityCapPct
}

// profitScale sizes up with realized profit and down in drawdown, measured
// against initial capital.
func profitScale(current, initial float64) float64 {
	if initial <= 0 {
		return 1.0
	}
	profit := (current - initial) / initial
	switch {
	case profit >= 0.20:
		return 2.0
	case profit >= 0.10:
		return 1.5
	case profit >= 0.05:
		return 1.2
	case profit >= 0:
		return 1.0
	default:
		return 0.8
	}
}
