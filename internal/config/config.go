// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string
	Env         string
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Venue describes connectivity to the execution venue REST API and its user event stream.
// Credentials (username, API key) are intentionally absent; they come from the environment.
type Venue struct {
	BaseURL        string         `yaml:"base_url"`
	StreamURL      string         `yaml:"stream_url"`
	Accounts       map[string]int `yaml:"accounts"`
	RequestTimeout int            `yaml:"request_timeout_ms"`
}

// Market tunes bar aggregation and trend detection.
type Market struct {
	Symbol         string
	BarLimit       int     `yaml:"bar_limit"`
	EMAPeriod      int     `yaml:"ema_period"`
	SlopeWindow    int     `yaml:"slope_window"`
	SlopeThreshold float64 `yaml:"slope_threshold"`
	TimeframesMin  []int   `yaml:"timeframes_min"`
}

// Risk encodes guard-rails that can halt new entries for an account.
type Risk struct {
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	DailyProfitTarget    float64 `yaml:"daily_profit_target"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxNotionalPerTrade  float64 `yaml:"max_notional_per_trade"`
}

// Decision holds gate-level settings: the daily get-flat blackout window and timezone.
type Decision struct {
	BlackoutStart string `yaml:"blackout_start"`
	BlackoutEnd   string `yaml:"blackout_end"`
	Timezone      string `yaml:"timezone"`
}

// Execution controls order sizing and the evaluation cadence.
type Execution struct {
	TradeSize        int  `yaml:"trade_size"`
	TradingEnabled   bool `yaml:"trading_enabled"`
	CycleIntervalMin int  `yaml:"cycle_interval_min"`
}

// Store configures the durable record store and the local fallback journal.
type Store struct {
	Host             string
	Port             int
	Database         string
	User             string
	Password         string
	PoolMax          int    `yaml:"pool_max"`
	FallbackPath     string `yaml:"fallback_path"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
	GracePeriodSec   int    `yaml:"grace_period_sec"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Venue     Venue     `yaml:"venue"`
	Market    Market    `yaml:"market"`
	Risk      Risk      `yaml:"risk"`
	Decision  Decision  `yaml:"decision"`
	Execution Execution `yaml:"execution"`
	Store     Store     `yaml:"store"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Market.BarLimit <= 0 {
		c.Market.BarLimit = 600
	}
	if c.Market.EMAPeriod <= 0 {
		c.Market.EMAPeriod = 21
	}
	if c.Market.SlopeWindow <= 0 {
		c.Market.SlopeWindow = 5
	}
	if c.Market.SlopeThreshold <= 0 {
		c.Market.SlopeThreshold = 0.00005
	}
	if len(c.Market.TimeframesMin) == 0 {
		c.Market.TimeframesMin = []int{5, 15, 30}
	}
	if c.Execution.TradeSize <= 0 {
		c.Execution.TradeSize = 1
	}
	if c.Execution.CycleIntervalMin <= 0 {
		c.Execution.CycleIntervalMin = 5
	}
	if c.Store.SweepIntervalSec <= 0 {
		c.Store.SweepIntervalSec = 60
	}
	if c.Store.GracePeriodSec <= 0 {
		c.Store.GracePeriodSec = 120
	}
	if c.Decision.Timezone == "" {
		c.Decision.Timezone = "America/Chicago"
	}
	if c.Venue.RequestTimeout <= 0 {
		c.Venue.RequestTimeout = 10000
	}
}
