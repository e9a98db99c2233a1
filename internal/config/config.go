// Package config handles run configuration with validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete run configuration.
type Config struct {
	Run    RunConfig    `yaml:"run"`
	Costs  CostsConfig  `yaml:"costs"`
	Data   DataConfig   `yaml:"data"`
	Server ServerConfig `yaml:"server"`
}

// RunConfig contains the trading parameters of one simulation.
type RunConfig struct {
	Frequency          string  `yaml:"frequency"`  // "1m" or "1d"
	StartDate          string  `yaml:"start_date"` // YYYY-MM-DD
	EndDate            string  `yaml:"end_date"`   // YYYY-MM-DD
	InitCash           string  `yaml:"init_cash"`
	RiskFreeRate       float64 `yaml:"risk_free_rate"`
	DaysPerYear        float64 `yaml:"days_per_year"`
	TradingDaysPerYear float64 `yaml:"trading_days_per_year"`
}

// CostsConfig contains trading cost parameters.
type CostsConfig struct {
	SlippageRate string `yaml:"slippage_rate"`
}

// DataConfig contains data source settings. DatabaseURL empty means the
// in-memory source; RedisURL empty disables the read-through cache.
type DataConfig struct {
	MarginTable     string `yaml:"margin_table"`
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// ServerConfig contains results-server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ValidationError is one rejected configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

const dateLayout = "2006-01-02"

// Load reads a YAML config file, expands ${VAR} references from the
// environment, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), os.Getenv)

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every field the simulation depends on.
func (c *Config) Validate() error {
	if c.Run.Frequency != "1m" && c.Run.Frequency != "1d" {
		return ValidationError{Field: "run.frequency", Value: c.Run.Frequency, Message: "must be 1m or 1d"}
	}

	start, err := c.StartDate()
	if err != nil {
		return ValidationError{Field: "run.start_date", Value: c.Run.StartDate, Message: "must be YYYY-MM-DD"}
	}
	end, err := c.EndDate()
	if err != nil {
		return ValidationError{Field: "run.end_date", Value: c.Run.EndDate, Message: "must be YYYY-MM-DD"}
	}
	if end.Before(start) {
		return ValidationError{Field: "run.end_date", Value: c.Run.EndDate, Message: "must not precede start_date"}
	}

	cash, err := c.InitCash()
	if err != nil || !cash.IsPositive() {
		return ValidationError{Field: "run.init_cash", Value: c.Run.InitCash, Message: "must be a positive decimal"}
	}

	if c.Run.DaysPerYear <= 0 {
		return ValidationError{Field: "run.days_per_year", Value: c.Run.DaysPerYear, Message: "must be positive"}
	}
	if c.Run.TradingDaysPerYear <= 0 {
		return ValidationError{Field: "run.trading_days_per_year", Value: c.Run.TradingDaysPerYear, Message: "must be positive"}
	}

	if rate, err := c.SlippageRate(); err != nil || rate.IsNegative() {
		return ValidationError{Field: "costs.slippage_rate", Value: c.Costs.SlippageRate, Message: "must be a non-negative decimal"}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must be a valid TCP port"}
	}
	if c.Data.CacheTTLSeconds < 0 {
		return ValidationError{Field: "data.cache_ttl_seconds", Value: c.Data.CacheTTLSeconds, Message: "must not be negative"}
	}
	return nil
}

// StartDate parses run.start_date.
func (c *Config) StartDate() (time.Time, error) {
	return time.Parse(dateLayout, c.Run.StartDate)
}

// EndDate parses run.end_date.
func (c *Config) EndDate() (time.Time, error) {
	return time.Parse(dateLayout, c.Run.EndDate)
}

// InitCash parses run.init_cash as a decimal.
func (c *Config) InitCash() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Run.InitCash)
}

// SlippageRate parses costs.slippage_rate as a decimal.
func (c *Config) SlippageRate() (decimal.Decimal, error) {
	if c.Costs.SlippageRate == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(c.Costs.SlippageRate)
}

// CacheTTL returns the Redis cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Data.CacheTTLSeconds) * time.Second
}

// Default returns the configuration used when a field is omitted.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Frequency:          "1d",
			StartDate:          "2016-08-15",
			EndDate:            "2016-12-15",
			InitCash:           "1000000",
			RiskFreeRate:       0,
			DaysPerYear:        365,
			TradingDaysPerYear: 252,
		},
		Costs: CostsConfig{
			SlippageRate: "0",
		},
		Data: DataConfig{
			MarginTable:     "margin.json",
			CacheTTLSeconds: 30,
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}
