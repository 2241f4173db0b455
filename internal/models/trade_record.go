package models

import "gorm.io/gorm"

// TradeRecord is one closed trade of a run. Append-only.
type TradeRecord struct {
	gorm.Model
	RunID      uint    `gorm:"index" json:"run_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // "LONG" or "SHORT"
	EntryDate  string  `json:"entry_date"`
	EntryPrice float64 `json:"entry_price"`
	ExitDate   string  `json:"exit_date"`
	ExitPrice  float64 `json:"exit_price"`
	ExitReason string  `json:"exit_reason"`
	Shares     int     `json:"shares"`
	GrossPnL   float64 `json:"gross_pnl"`
	NetPnL     float64 `json:"net_pnl"`
	ReturnPct  float64 `json:"return_pct"`
}
