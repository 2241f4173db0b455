// Package slippage estimates the adverse deviation between a reference price
// and the simulated fill price. The model is pure and deterministic.
package slippage

import (
	"equity-backtester-go/internal/marketdata"
)

// OrderType selects the order-type multiplier.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// Session is the coarse time-of-day bucket of the fill.
type Session string

const (
	SessionOpen  Session = "OPEN"
	SessionMid   Session = "MID"
	SessionClose Session = "CLOSE"
)

// Liquidity describes how actively a symbol trades. Both figures are
// trailing averages computed from bars dated before the simulated day.
type Liquidity struct {
	AvgDailyVolume   float64 // shares per day
	AvgDailyTurnover float64 // currency per day
}

// Result is the full audit trail of a slippage estimate.
type Result struct {
	BaseRate      float64
	SizeMult      float64
	VolMult       float64
	TimeMult      float64
	TypeMult      float64
	FinalRate     float64
	AdjustedPrice float64
}

// tier maps an upper bound on some metric to a rate or multiplier. Tables
// are scanned in order; the last entry is the catch-all.
type tier struct {
	upTo  float64
	value float64
}

// Base rate by average daily volume: thinner symbols slip more.
var baseRateTiers = []tier{
	{upTo: 50_000, value: 0.0035},
	{upTo: 200_000, value: 0.0020},
	{upTo: 1_000_000, value: 0.0012},
	{upTo: 5_000_000, value: 0.0008},
	{upTo: 0, value: 0.0005}, // catch-all: highly liquid
}

// Size multiplier by order value relative to average daily turnover.
var sizeMultTiers = []tier{
	{upTo: 0.001, value: 1.0},
	{upTo: 0.005, value: 1.2},
	{upTo: 0.01, value: 1.5},
	{upTo: 0.05, value: 2.0},
	{upTo: 0, value: 3.0},
}

// Volatility multiplier by volatility index level.
var volMultTiers = []tier{
	{upTo: 12, value: 0.8},
	{upTo: 15, value: 1.0},
	{upTo: 20, value: 1.2},
	{upTo: 25, value: 1.5},
	{upTo: 0, value: 2.0},
}

func lookupTier(tiers []tier, v float64) float64 {
	for _, t := range tiers[:len(tiers)-1] {
		if v < t.upTo {
			return t.value
		}
	}
	return tiers[len(tiers)-1].value
}

// Model computes fill-price deviation. MaxRate is the sanity ceiling on the
// final rate.
type Model struct {
	maxRate float64
}

// NewDefaultModel returns a model with the standard 1% rate ceiling.
func NewDefaultModel() *Model {
	return &Model{maxRate: 0.01}
}

// Estimate computes the slippage rate and the adjusted fill price. The
// adjusted price always moves against the trader: up for buys, down for
// sells.
func (m *Model) Estimate(liq Liquidity, side string, orderValue, refPrice float64, orderType OrderType, session Session, volIndex float64) Result {
	r := Result{
		BaseRate: lookupTier(baseRateTiers, liq.AvgDailyVolume),
		VolMult:  lookupTier(volMultTiers, volIndex),
	}

	r.SizeMult = 1.0
	if liq.AvgDailyTurnover > 0 {
		r.SizeMult = lookupTier(sizeMultTiers, orderValue/liq.AvgDailyTurnover)
	}

	switch session {
	case SessionOpen:
		r.TimeMult = 1.5
	case SessionClose:
		r.TimeMult = 1.3
	default:
		r.TimeMult = 1.0
	}

	switch orderType {
	case OrderTypeLimit:
		r.TypeMult = 0 // a limit fill never slips past its limit
	case OrderTypeStopMarket:
		r.TypeMult = 1.5
	default:
		r.TypeMult = 1.0
	}

	r.FinalRate = r.BaseRate * r.SizeMult * r.VolMult * r.TimeMult * r.TypeMult
	if r.FinalRate > m.maxRate {
		r.FinalRate = m.maxRate
	}

	if side == marketdata.OrderSideBuy {
		r.AdjustedPrice = refPrice * (1 + r.FinalRate)
	} else {
		r.AdjustedPrice = refPrice * (1 - r.FinalRate)
	}
	return r
}
