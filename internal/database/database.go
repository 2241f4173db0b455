package database

import (
	"encoding/json"
	"fmt"

	"equity-backtester-go/internal/models"
	"equity-backtester-go/internal/portfolio"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.BacktestRun{}, &models.TradeRecord{}, &models.EquityPoint{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return db, nil
}

// SaveRun persists a run summary together with its trade log and equity
// series. The trade log and series reference the run row.
func SaveRun(db *gorm.DB, run *models.BacktestRun, trades []portfolio.Trade, series []portfolio.EquityPoint, skips map[string]int) error {
	breakdown, err := json.Marshal(skips)
	if err != nil {
		return fmt.Errorf("failed to encode skip breakdown: %w", err)
	}
	run.SkipBreakdown = string(breakdown)

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		for _, t := range trades {
			rec := models.TradeRecord{
				RunID:      run.ID,
				Symbol:     t.Symbol,
				Side:       t.Side,
				EntryDate:  t.EntryDate.Format(dateLayout),
				EntryPrice: t.EntryPrice,
				ExitDate:   t.ExitDate.Format(dateLayout),
				ExitPrice:  t.ExitPrice,
				ExitReason: t.ExitReason,
				Shares:     t.Shares,
				GrossPnL:   t.GrossPnL,
				NetPnL:     t.NetPnL,
				ReturnPct:  t.ReturnPct,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to save trade record for %s: %w", t.Symbol, err)
			}
		}
		for _, pt := range series {
			rec := models.EquityPoint{
				RunID:    run.ID,
				Date:     pt.Date.Format(dateLayout),
				Equity:   pt.Equity,
				Cash:     pt.Cash,
				Drawdown: pt.Drawdown,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to save equity point: %w", err)
			}
		}
		return nil
	})
}
