// Package costs implements the transaction charge schedule applied to every
// simulated fill. All functions are pure: two calls with identical arguments
// return identical results, and nothing here logs or mutates shared state.
package costs

import (
	"github.com/shopspring/decimal"

	"equity-backtester-go/internal/marketdata"
)

// Breakdown itemizes the charges on a single fill. Total is the sum of all
// components, each already rounded to the smallest currency unit.
type Breakdown struct {
	Brokerage      float64
	TransactionTax float64
	ExchangeLevy   float64
	RegulatoryFee  float64
	StampDuty      float64
	TaxOnFees      float64
	Total          float64
}

// classRates holds the per-class charge rates.
type classRates struct {
	brokerageFlat float64
	brokeragePct  float64 // 0 means flat-only brokerage
	taxSellPct    float64 // transaction tax, sell side
	taxBuyPct     float64 // transaction tax, buy side (intraday only)
	levyPct       float64
	regulatoryPct float64
	stampBuyPct   float64
}

// Model is the charge schedule keyed by instrument class.
type Model struct {
	rates     map[marketdata.InstrumentClass]classRates
	feeTaxPct float64 // applied to brokerage + levy + regulatory fee only
}

// NewDefaultModel returns the standard Indian cash/derivative schedule:
// capped percentage brokerage, transaction tax on the sell side for delivery
// and futures (both sides at a lower rate intraday), exchange levy and
// regulatory fee on every side, stamp duty on buys, and 18% tax on fees.
func NewDefaultModel() *Model {
	return &Model{
		rates: map[marketdata.InstrumentClass]classRates{
			marketdata.InstrumentEquityDelivery: {
				brokerageFlat: 20.0,
				brokeragePct:  0.0003,
				taxSellPct:    0.001,
				levyPct:       0.0000345,
				regulatoryPct: 0.000001,
				stampBuyPct:   0.00015,
			},
			marketdata.InstrumentEquityIntraday: {
				brokerageFlat: 20.0,
				brokeragePct:  0.0003,
				taxSellPct:    0.00025,
				taxBuyPct:     0.00025,
				levyPct:       0.0000345,
				regulatoryPct: 0.000001,
				stampBuyPct:   0.00003,
			},
			marketdata.InstrumentFutures: {
				brokerageFlat: 20.0,
				taxSellPct:    0.000125,
				levyPct:       0.00002,
				regulatoryPct: 0.000001,
				stampBuyPct:   0.00002,
			},
		},
		feeTaxPct: 0.18,
	}
}

// Charges computes the full charge breakdown for one fill.
func (m *Model) Charges(side string, class marketdata.InstrumentClass, tradeValue float64) Breakdown {
	if tradeValue <= 0 {
		return Breakdown{}
	}
	r, ok := m.rates[class]
	if !ok {
		return Breakdown{}
	}

	brokerage := r.brokerageFlat
	if r.brokeragePct > 0 {
		if pct := tradeValue * r.brokeragePct; pct < brokerage {
			brokerage = pct
		}
	}

	var tax float64
	switch side {
	case marketdata.OrderSideSell:
		tax = tradeValue * r.taxSellPct
	case marketdata.OrderSideBuy:
		tax = tradeValue * r.taxBuyPct
	}

	levy := tradeValue * r.levyPct
	regulatory := tradeValue * r.regulatoryPct

	var stamp float64
	if side == marketdata.OrderSideBuy {
		stamp = tradeValue * r.stampBuyPct
	}

	// Tax on fees applies to brokerage, levy and regulatory fee only; never
	// to the transaction tax or stamp duty.
	feeTax := (brokerage + levy + regulatory) * m.feeTaxPct

	b := Breakdown{
		Brokerage:      roundPaise(brokerage),
		TransactionTax: roundPaise(tax),
		ExchangeLevy:   roundPaise(levy),
		RegulatoryFee:  roundPaise(regulatory),
		StampDuty:      roundPaise(stamp),
		TaxOnFees:      roundPaise(feeTax),
	}
	b.Total = roundPaise(b.Brokerage + b.TransactionTax + b.ExchangeLevy +
		b.RegulatoryFee + b.StampDuty + b.TaxOnFees)
	return b
}

// RoundTrip sums the charges of an entry and its matching exit.
func (m *Model) RoundTrip(class marketdata.InstrumentClass, entrySide string, tradeValue float64) float64 {
	exitSide := marketdata.OrderSideSell
	if entrySide == marketdata.OrderSideSell {
		exitSide = marketdata.OrderSideBuy
	}
	return m.Charges(entrySide, class, tradeValue).Total + m.Charges(exitSide, class, tradeValue).Total
}

// roundPaise rounds to the smallest currency unit using exact decimal
// arithmetic so component rounding is stable across platforms.
func roundPaise(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
