package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const dateLayout = "2006-01-02"

// Config holds all configuration for the application.
type Config struct {
	Backtest   Backtest   `mapstructure:"backtest"`
	Sizing     Sizing     `mapstructure:"sizing"`
	MarketData MarketData `mapstructure:"market_data"`
	Logger     Logger     `mapstructure:"logger"`
	Database   Database   `mapstructure:"database"`
}

// Backtest holds the simulation parameters.
type Backtest struct {
	StartDate       string   `mapstructure:"start_date"`
	EndDate         string   `mapstructure:"end_date"`
	Universe        []string `mapstructure:"universe"`
	InitialCapital  float64  `mapstructure:"initial_capital"`
	MaxDrawdownPct  float64  `mapstructure:"max_drawdown_pct"`
	InstrumentClass string   `mapstructure:"instrument_class"`
	MinLookbackBars int      `mapstructure:"min_lookback_bars"`
	MaxHoldingDays  int      `mapstructure:"max_holding_days"`
	VolatilityIndex float64  `mapstructure:"volatility_index"`
	Sentiment       float64  `mapstructure:"sentiment"`
}

// Sizing holds the position sizer tunables.
type Sizing struct {
	MinTradeHistory      int     `mapstructure:"min_trade_history"`
	ConservativeFraction float64 `mapstructure:"conservative_fraction"`
	MaxKelly             float64 `mapstructure:"max_kelly"`
	HalfKelly            bool    `mapstructure:"half_kelly"`
	EquityCapPct         float64 `mapstructure:"equity_cap_pct"`
	DerivativeCapPct     float64 `mapstructure:"derivative_cap_pct"`
	MaxTotalRiskPct      float64 `mapstructure:"max_total_risk_pct"`
}

// MarketData holds the configuration for the historical data API.
type MarketData struct {
	BaseURL        string  `mapstructure:"base_url"`
	ApiKey         string  `mapstructure:"apiKey"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Database holds the configuration for the results database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("market_data.rate_limit", 5) // requests per second
	viper.SetDefault("market_data.rate_limit_burst", 2)
	viper.SetDefault("backtest.max_drawdown_pct", 0.25)
	viper.SetDefault("backtest.instrument_class", "EQUITY_DELIVERY")
	viper.SetDefault("backtest.min_lookback_bars", 100)
	viper.SetDefault("backtest.max_holding_days", 10)
	viper.SetDefault("backtest.volatility_index", 15)
	viper.SetDefault("sizing.min_trade_history", 30)
	viper.SetDefault("sizing.conservative_fraction", 0.10)
	viper.SetDefault("sizing.max_kelly", 0.50)
	viper.SetDefault("sizing.half_kelly", true)
	viper.SetDefault("sizing.equity_cap_pct", 0.20)
	viper.SetDefault("sizing.derivative_cap_pct", 0.04)
	viper.SetDefault("sizing.max_total_risk_pct", 0.02)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

// Start returns the parsed start date. Call Validate first.
func (b *Backtest) Start() time.Time {
	t, _ := time.Parse(dateLayout, b.StartDate)
	return t
}

// End returns the parsed end date. Call Validate first.
func (b *Backtest) End() time.Time {
	t, _ := time.Parse(dateLayout, b.EndDate)
	return t
}

// Validate rejects invalid backtest parameters before a run starts so no
// partial run is ever produced.
func (b *Backtest) Validate() error {
	start, err := time.Parse(dateLayout, b.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start_date %q: %w", b.StartDate, err)
	}
	end, err := time.Parse(dateLayout, b.EndDate)
	if err != nil {
		return fmt.Errorf("invalid end_date %q: %w", b.EndDate, err)
	}
	if !start.Before(end) {
		return fmt.Errorf("start_date %s must be before end_date %s", b.StartDate, b.EndDate)
	}
	if b.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive, got %v", b.InitialCapital)
	}
	if len(b.Universe) == 0 {
		return fmt.Errorf("universe must not be empty")
	}
	if b.MaxDrawdownPct <= 0 || b.MaxDrawdownPct > 1 {
		return fmt.Errorf("max_drawdown_pct must be in (0,1], got %v", b.MaxDrawdownPct)
	}
	return nil
}
