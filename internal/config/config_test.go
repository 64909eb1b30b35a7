package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "sandbox", DryRun: true, LogLevel: "info"},
		Broker: BrokerConfig{
			Provider:  "tradier",
			APIKey:    "test-key",
			AccountID: "test-account",
		},
		Schedule: ScheduleConfig{
			MarketCheckInterval: "15m",
			Timezone:            "America/New_York",
			TradingStart:        "09:45",
			TradingEnd:          "15:45",
			RollWindowStart:     "14:30",
		},
		Strategy: StrategyConfig{
			Symbols:                   []string{"AAPL"},
			MinDaysToExpiration:       7,
			MaxDaysToExpiration:       60,
			NumTiers:                  3,
			MaxContractsPerExpiration: 10,
			NearMoneyRatio:            0.98,
			RollEnabled:               true,
		},
		Ledger:    LedgerConfig{Backend: "json", Path: "data/cost_basis.json"},
		Dashboard: DashboardConfig{Enabled: false},
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Setenv("TRADIER_API_KEY", "example-key")
	t.Setenv("TRADIER_ACCOUNT_ID", "example-account")

	cfg, err := Load(filepath.Join("..", "..", "config.yaml.example"))
	if err != nil {
		t.Fatalf("expected example config to load, got: %v", err)
	}
	if cfg.Broker.APIKey != "example-key" {
		t.Errorf("env expansion failed, api_key = %q", cfg.Broker.APIKey)
	}
	if !cfg.IsSandbox() {
		t.Error("example config should be sandbox mode")
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	if _, err := Load("nonexistent.yaml"); err == nil {
		t.Error("expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment:
  mode: sandbox
  typo_field: oops
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "typo_field") {
		t.Errorf("expected unknown-field error naming typo_field, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "paper" }, "environment.mode"},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }, "api_key"},
		{"missing account", func(c *Config) { c.Broker.AccountID = "" }, "account_id"},
		{"no symbols", func(c *Config) { c.Strategy.Symbols = nil }, "symbols"},
		{"blank symbol", func(c *Config) { c.Strategy.Symbols = []string{" "} }, "symbols[0]"},
		{
			"inverted DTE window",
			func(c *Config) { c.Strategy.MinDaysToExpiration = 30; c.Strategy.MaxDaysToExpiration = 14 },
			"max_days_to_expiration",
		},
		{"negative tiers", func(c *Config) { c.Strategy.NumTiers = -1 }, "num_tiers"},
		{"ratio above one", func(c *Config) { c.Strategy.NearMoneyRatio = 1.5 }, "near_money_ratio"},
		{"bad ledger backend", func(c *Config) { c.Ledger.Backend = "csv" }, "ledger.backend"},
		{"missing ledger path", func(c *Config) { c.Ledger.Path = "" }, "ledger.path"},
		{
			"dashboard without addr",
			func(c *Config) { c.Dashboard.Enabled = true; c.Dashboard.Addr = "" },
			"dashboard.addr",
		},
		{"bad interval", func(c *Config) { c.Schedule.MarketCheckInterval = "soon" }, "market_check_interval"},
		{
			"end before start",
			func(c *Config) { c.Schedule.TradingStart = "15:00"; c.Schedule.TradingEnd = "09:00" },
			"trading window",
		},
		{"bad roll window", func(c *Config) { c.Schedule.RollWindowStart = "2pm" }, "roll_window_start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.MinDaysToExpiration = 0
	cfg.Strategy.MaxDaysToExpiration = 0
	cfg.Strategy.NumTiers = 0
	cfg.Strategy.MaxContractsPerExpiration = 0
	cfg.Strategy.NearMoneyRatio = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Strategy.MinDaysToExpiration != 7 || cfg.Strategy.MaxDaysToExpiration != 60 {
		t.Errorf("DTE defaults not applied: %d-%d",
			cfg.Strategy.MinDaysToExpiration, cfg.Strategy.MaxDaysToExpiration)
	}
	if cfg.Strategy.NumTiers != 3 || cfg.Strategy.MaxContractsPerExpiration != 10 {
		t.Errorf("tier defaults not applied: %d tiers, max %d",
			cfg.Strategy.NumTiers, cfg.Strategy.MaxContractsPerExpiration)
	}
	if cfg.Strategy.NearMoneyRatio != 0.98 {
		t.Errorf("near money default not applied: %v", cfg.Strategy.NearMoneyRatio)
	}
}

func TestSymbols_Normalized(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.Symbols = []string{" aapl ", "Msft"}

	got := cfg.Symbols()
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("Symbols() = %v, want [AAPL MSFT]", got)
	}
}

func TestGetCheckInterval(t *testing.T) {
	cfg := validConfig()
	if d := cfg.GetCheckInterval(); d != 15*time.Minute {
		t.Errorf("interval = %v, want 15m", d)
	}

	cfg.Schedule.MarketCheckInterval = "garbage"
	if d := cfg.GetCheckInterval(); d != 15*time.Minute {
		t.Errorf("fallback interval = %v, want 15m", d)
	}
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := validConfig()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"midday Tuesday", time.Date(2025, 6, 3, 12, 0, 0, 0, loc), true},
		{"exact open is inclusive", time.Date(2025, 6, 3, 9, 45, 0, 0, loc), true},
		{"exact close is exclusive", time.Date(2025, 6, 3, 15, 45, 0, 0, loc), false},
		{"before open", time.Date(2025, 6, 3, 9, 30, 0, 0, loc), false},
		{"Saturday", time.Date(2025, 6, 7, 12, 0, 0, 0, loc), false},
		{"Sunday", time.Date(2025, 6, 8, 12, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.IsWithinTradingHours(tt.now); got != tt.want {
				t.Errorf("IsWithinTradingHours(%v) = %t, want %t", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsWithinRollWindow(t *testing.T) {
	cfg := validConfig()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}

	morning := time.Date(2025, 6, 6, 10, 0, 0, 0, loc)   // Friday before window
	afternoon := time.Date(2025, 6, 6, 14, 45, 0, 0, loc) // Friday inside window

	if cfg.IsWithinRollWindow(morning) {
		t.Error("roll window should not open before roll_window_start")
	}
	if !cfg.IsWithinRollWindow(afternoon) {
		t.Error("roll window should be open after roll_window_start during trading hours")
	}

	// No configured window falls back to trading hours.
	cfg.Schedule.RollWindowStart = ""
	if !cfg.IsWithinRollWindow(morning) {
		t.Error("without a window, any trading-hours time should allow rolls")
	}
}
