// Package config provides configuration management for the covered call engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultMinDTE is used when strategy.min_days_to_expiration is unset.
	defaultMinDTE = 7
	// defaultMaxDTE is used when strategy.max_days_to_expiration is unset.
	defaultMaxDTE = 60
	// defaultNumTiers is the default number of expiration tiers.
	defaultNumTiers = 3
	// defaultMaxContractsPerExpiration caps one order's size.
	defaultMaxContractsPerExpiration = 10
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // sandbox | live
	DryRun   bool   `yaml:"dry_run"`   // simulate order submission
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	// CircuitBreaker wraps broker calls so a flapping API trips open
	// instead of hammering the endpoint.
	CircuitBreaker bool `yaml:"circuit_breaker"`
}

// StrategyConfig defines covered call strategy parameters.
type StrategyConfig struct {
	Symbols                   []string `yaml:"symbols"`
	MinDaysToExpiration       int      `yaml:"min_days_to_expiration"`
	MaxDaysToExpiration       int      `yaml:"max_days_to_expiration"`
	NumTiers                  int      `yaml:"num_tiers"`
	MaxContractsPerExpiration int      `yaml:"max_contracts_per_expiration"`
	NearMoneyRatio            float64  `yaml:"near_money_ratio"`
	RollEnabled               bool     `yaml:"roll_enabled"`
}

// ScheduleConfig defines trading schedule and market hours.
type ScheduleConfig struct {
	MarketCheckInterval string `yaml:"market_check_interval"`
	Timezone            string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart        string `yaml:"trading_start"` // "HH:MM"
	TradingEnd          string `yaml:"trading_end"`   // "HH:MM"
	// RollWindowStart is when the expiration-day roll pass begins, "HH:MM".
	RollWindowStart string `yaml:"roll_window_start"`
}

// LedgerConfig defines the cost basis ledger storage settings.
type LedgerConfig struct {
	Backend   string `yaml:"backend"` // json | sqlite
	Path      string `yaml:"path"`
	BackupDir string `yaml:"backup_dir"`
}

// DashboardConfig defines the HTTP status dashboard settings.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig defines log file rotation settings. An empty file path logs
// to stderr only.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "sandbox" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'sandbox' or 'live'")
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	// Strategy validation
	c.normalizeStrategy()
	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols must list at least one symbol")
	}
	for i, symbol := range c.Strategy.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return fmt.Errorf("strategy.symbols[%d] is empty", i)
		}
	}
	if c.Strategy.MinDaysToExpiration <= 0 {
		return fmt.Errorf("strategy.min_days_to_expiration must be > 0")
	}
	if c.Strategy.MaxDaysToExpiration <= c.Strategy.MinDaysToExpiration {
		return fmt.Errorf("strategy.max_days_to_expiration (%d) must be > min_days_to_expiration (%d)",
			c.Strategy.MaxDaysToExpiration, c.Strategy.MinDaysToExpiration)
	}
	if c.Strategy.NumTiers <= 0 {
		return fmt.Errorf("strategy.num_tiers must be > 0")
	}
	if c.Strategy.MaxContractsPerExpiration <= 0 {
		return fmt.Errorf("strategy.max_contracts_per_expiration must be > 0")
	}
	if c.Strategy.NearMoneyRatio <= 0 || c.Strategy.NearMoneyRatio > 1 {
		return fmt.Errorf("strategy.near_money_ratio must be in (0,1]")
	}

	// Ledger validation
	if c.Ledger.Backend != "json" && c.Ledger.Backend != "sqlite" {
		return fmt.Errorf("ledger.backend must be 'json' or 'sqlite'")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when dashboard is enabled")
	}

	// Schedule validation
	if _, err := time.ParseDuration(c.Schedule.MarketCheckInterval); err != nil {
		return fmt.Errorf("schedule.market_check_interval invalid: %w", err)
	}
	loc := c.location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	if c.Schedule.RollWindowStart != "" {
		if _, err := time.ParseInLocation("15:04", c.Schedule.RollWindowStart, loc); err != nil {
			return fmt.Errorf("schedule.roll_window_start invalid: %w", err)
		}
	}

	return nil
}

// IsSandbox returns true if the engine targets the sandbox environment.
func (c *Config) IsSandbox() bool {
	return c.Environment.Mode == "sandbox"
}

// GetCheckInterval returns the configured market check interval duration.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.MarketCheckInterval)
	if err != nil {
		return 15 * time.Minute // default
	}
	return d
}

// Symbols returns the configured symbols normalized to uppercase.
func (c *Config) Symbols() []string {
	symbols := make([]string, 0, len(c.Strategy.Symbols))
	for _, s := range c.Strategy.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
	return symbols
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.location()
	today := now.In(loc)

	// Only allow Monday-Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 45, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 15, 45, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// IsWithinRollWindow reports whether the time has reached the expiration-day
// roll window. With no window configured, rolls run any time during trading
// hours.
func (c *Config) IsWithinRollWindow(now time.Time) bool {
	if c.Schedule.RollWindowStart == "" {
		return c.IsWithinTradingHours(now)
	}

	loc := c.location()
	today := now.In(loc)
	startClock, err := time.ParseInLocation("15:04", c.Schedule.RollWindowStart, loc)
	if err != nil {
		return c.IsWithinTradingHours(now)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	return c.IsWithinTradingHours(now) && !today.Before(start)
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		if fallbackLoc, err2 := time.LoadLocation("America/New_York"); err2 == nil {
			loc = fallbackLoc
		} else {
			loc = time.FixedZone("ET", -5*60*60)
		}
	}
	return loc
}

// normalizeStrategy sets default values for strategy configuration.
func (c *Config) normalizeStrategy() {
	if c.Strategy.MinDaysToExpiration == 0 {
		c.Strategy.MinDaysToExpiration = defaultMinDTE
	}
	if c.Strategy.MaxDaysToExpiration == 0 {
		c.Strategy.MaxDaysToExpiration = defaultMaxDTE
	}
	if c.Strategy.NumTiers == 0 {
		c.Strategy.NumTiers = defaultNumTiers
	}
	if c.Strategy.MaxContractsPerExpiration == 0 {
		c.Strategy.MaxContractsPerExpiration = defaultMaxContractsPerExpiration
	}
	if c.Strategy.NearMoneyRatio == 0 {
		c.Strategy.NearMoneyRatio = 0.98
	}
}
