package config

import (
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "tvbot-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.Venue.BaseURL != "https://api.example-venue.test" {
		t.Fatalf("unexpected Venue.BaseURL: %s", cfg.Venue.BaseURL)
	}
	if len(cfg.Venue.Accounts) != 2 || cfg.Venue.Accounts["alpha"] != 1001 {
		t.Fatalf("unexpected accounts: %+v", cfg.Venue.Accounts)
	}
	if cfg.Market.Symbol != "CON.F.US.MES.M25" {
		t.Fatalf("unexpected symbol: %s", cfg.Market.Symbol)
	}
	if cfg.Market.EMAPeriod != 21 || cfg.Market.SlopeWindow != 5 {
		t.Fatalf("unexpected market tuning: %+v", cfg.Market)
	}
	if cfg.Market.SlopeThreshold != 0.00005 {
		t.Fatalf("unexpected slope threshold: %g", cfg.Market.SlopeThreshold)
	}
	if len(cfg.Market.TimeframesMin) != 3 || cfg.Market.TimeframesMin[2] != 30 {
		t.Fatalf("unexpected timeframes: %+v", cfg.Market.TimeframesMin)
	}
	if cfg.Risk.MaxDailyLoss != -500 {
		t.Fatalf("unexpected max daily loss: %.2f", cfg.Risk.MaxDailyLoss)
	}
	if cfg.Risk.MaxConsecutiveLosses != 3 {
		t.Fatalf("unexpected consecutive loss cap: %d", cfg.Risk.MaxConsecutiveLosses)
	}
	if cfg.Decision.BlackoutStart != "15:55" || cfg.Decision.BlackoutEnd != "16:10" {
		t.Fatalf("unexpected blackout window: %+v", cfg.Decision)
	}
	if cfg.Execution.TradeSize != 2 {
		t.Fatalf("unexpected trade size: %d", cfg.Execution.TradeSize)
	}
	if cfg.Execution.TradingEnabled {
		t.Fatalf("expected trading disabled in test fixture")
	}
	if cfg.Store.FallbackPath != "data/reconcile_fallback.jsonl" {
		t.Fatalf("unexpected fallback path: %s", cfg.Store.FallbackPath)
	}
	if cfg.Store.SweepIntervalSec != 30 {
		t.Fatalf("unexpected sweep interval: %d", cfg.Store.SweepIntervalSec)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	minimal := &Config{}
	minimal.App.Name = "minimal"
	if err := Save(path, minimal); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Market.BarLimit != 600 {
		t.Fatalf("expected bar limit default 600, got %d", cfg.Market.BarLimit)
	}
	if cfg.Market.EMAPeriod != 21 {
		t.Fatalf("expected EMA period default 21, got %d", cfg.Market.EMAPeriod)
	}
	if cfg.Market.SlopeThreshold != 0.00005 {
		t.Fatalf("expected slope threshold default, got %g", cfg.Market.SlopeThreshold)
	}
	if cfg.Decision.Timezone != "America/Chicago" {
		t.Fatalf("expected timezone default, got %s", cfg.Decision.Timezone)
	}
	if cfg.Execution.CycleIntervalMin != 5 {
		t.Fatalf("expected cycle interval default, got %d", cfg.Execution.CycleIntervalMin)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
