package models

import "gorm.io/gorm"

// EquityPoint is one day of a run's equity series.
type EquityPoint struct {
	gorm.Model
	RunID    uint    `gorm:"index" json:"run_id"`
	Date     string  `json:"date"`
	Equity   float64 `json:"equity"`
	Cash     float64 `json:"cash"`
	Drawdown float64 `json:"drawdown"`
}
