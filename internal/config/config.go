// Package config defines the top-level configuration for the admission
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by INTRABOT_* environment
// variables.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Broker    BrokerConfig    `toml:"broker"`
	Risk      RiskConfig      `toml:"risk"`
	Portfolio PortfolioConfig `toml:"portfolio"`
	Registry  RegistryConfig  `toml:"registry"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Timezone  string          `toml:"timezone"`
	LogLevel  string          `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BrokerConfig holds broker account API parameters. An empty BaseURL
// disables the position feed.
type BrokerConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Account string   `toml:"account"`
	Timeout duration `toml:"timeout"`
}

// RiskConfig holds the account-wide admission limits. A zero limit leaves
// the corresponding rule unconstrained.
type RiskConfig struct {
	MaxDailyLoss         float64 `toml:"max_daily_loss"`
	MaxDailyRisk         float64 `toml:"max_daily_risk"`
	MaxTradesPerDay      int     `toml:"max_trades_per_day"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`

	MaxOpenPositions int     `toml:"max_open_positions"`
	MinTradeValue    float64 `toml:"min_trade_value"`
	MaxTradeValue    float64 `toml:"max_trade_value"`
	MaxVolatilityATR float64 `toml:"max_volatility_atr"`
	AllowPyramiding  bool    `toml:"allow_pyramiding"`

	MinRiskReward  float64 `toml:"min_risk_reward"`
	StopATRMinMult float64 `toml:"stop_atr_min_mult"`
	StopATRMaxMult float64 `toml:"stop_atr_max_mult"`
	MinLiquidity   float64 `toml:"min_liquidity"`
	MinVolumeRatio float64 `toml:"min_volume_ratio"`
	MinATR         float64 `toml:"min_atr"`
	MaxATR         float64 `toml:"max_atr"`
	MaxSpreadRatio float64 `toml:"max_spread_ratio"`

	DuplicateWindow   duration `toml:"duplicate_window"`
	CorrelationWindow duration `toml:"correlation_window"`
}

// PortfolioConfig holds exposure caps and re-entry parameters.
type PortfolioConfig struct {
	Capital          float64            `toml:"capital"`
	ExposureCap      float64            `toml:"exposure_cap"`
	ReservePct       float64            `toml:"reserve_pct"`
	MaxMarginPct     float64            `toml:"max_margin_pct"`
	InstrumentCap    float64            `toml:"instrument_cap"`
	SectorCap        float64            `toml:"sector_cap"`
	SectorCaps       map[string]float64 `toml:"sector_caps"`
	MinTradeValue    float64            `toml:"min_trade_value"`
	MaxTradeValue    float64            `toml:"max_trade_value"`
	MaxTradeValuePct float64            `toml:"max_trade_value_pct"`
	ReEntryWindow    duration           `toml:"reentry_window"`
	MarkToMarket     bool               `toml:"mark_to_market"`
}

// RegistryConfig holds active-signal lifecycle parameters.
type RegistryConfig struct {
	DefaultExpiry  duration `toml:"default_expiry"`
	SweepInterval  duration `toml:"sweep_interval"`
	PersistTimeout duration `toml:"persist_timeout"`
}

// PipelineConfig holds admission pipeline parameters.
type PipelineConfig struct {
	Workers            int      `toml:"workers"`
	QueueSize          int      `toml:"queue_size"`
	BrokerSyncInterval duration `toml:"broker_sync_interval"`
	CleanupInterval    duration `toml:"cleanup_interval"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "intrabot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "intrabot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Broker: BrokerConfig{
			Timeout: duration{30 * time.Second},
		},
		Risk: RiskConfig{
			MaxDailyLoss:         1000,
			MaxDailyRisk:         2500,
			MaxTradesPerDay:      20,
			MaxConsecutiveLosses: 4,
			MaxOpenPositions:     8,
			MinTradeValue:        500,
			MaxTradeValue:        25000,
			MinRiskReward:        1.5,
			StopATRMinMult:       0.5,
			StopATRMaxMult:       3.0,
			MaxSpreadRatio:       0.3,
			DuplicateWindow:      duration{5 * time.Minute},
			CorrelationWindow:    duration{5 * time.Minute},
		},
		Portfolio: PortfolioConfig{
			Capital:       100_000,
			ExposureCap:   1.0,
			ReservePct:    0.2,
			MaxMarginPct:  0.5,
			InstrumentCap: 0.1,
			SectorCap:     0.25,
			ReEntryWindow: duration{15 * time.Minute},
		},
		Registry: RegistryConfig{
			DefaultExpiry:  duration{5 * time.Minute},
			SweepInterval:  duration{60 * time.Second},
			PersistTimeout: duration{3 * time.Second},
		},
		Pipeline: PipelineConfig{
			Workers:            4,
			QueueSize:          256,
			BrokerSyncInterval: duration{30 * time.Second},
			CleanupInterval:    duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Interval:  duration{6 * time.Hour},
			Retention: duration{7 * 24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"signal_committed", "signal_cancelled", "admission_rejected", "position_closed"},
		},
		Timezone: "America/New_York",
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("invalid timezone %q", c.Timezone))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archival is enabled.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Risk
	if c.Risk.MaxDailyLoss < 0 {
		errs = append(errs, "risk: max_daily_loss must be >= 0")
	}
	if c.Risk.MaxTradesPerDay < 0 {
		errs = append(errs, "risk: max_trades_per_day must be >= 0")
	}
	if c.Risk.MinTradeValue > 0 && c.Risk.MaxTradeValue > 0 && c.Risk.MinTradeValue > c.Risk.MaxTradeValue {
		errs = append(errs, "risk: min_trade_value must not exceed max_trade_value")
	}
	if c.Risk.MinATR > 0 && c.Risk.MaxATR > 0 && c.Risk.MinATR > c.Risk.MaxATR {
		errs = append(errs, "risk: min_atr must not exceed max_atr")
	}

	// Portfolio
	if c.Portfolio.Capital <= 0 {
		errs = append(errs, "portfolio: capital must be > 0")
	}
	if c.Portfolio.ExposureCap < 0 {
		errs = append(errs, "portfolio: exposure_cap must be >= 0")
	}
	if c.Portfolio.ReservePct < 0 || c.Portfolio.ReservePct >= 1 {
		errs = append(errs, fmt.Sprintf("portfolio: reserve_pct must be in [0, 1), got %v", c.Portfolio.ReservePct))
	}
	if c.Portfolio.SectorCap < 0 {
		errs = append(errs, "portfolio: sector_cap must be >= 0")
	}
	for sector, limit := range c.Portfolio.SectorCaps {
		if limit < 0 {
			errs = append(errs, fmt.Sprintf("portfolio: sector_caps[%s] must be >= 0", sector))
		}
	}

	// Registry
	if c.Registry.DefaultExpiry.Duration < 0 {
		errs = append(errs, "registry: default_expiry must be >= 0")
	}
	if c.Registry.SweepInterval.Duration < 0 {
		errs = append(errs, "registry: sweep_interval must be >= 0")
	}

	// Pipeline
	if c.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline: workers must be >= 1")
	}
	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, "pipeline: queue_size must be >= 1")
	}

	// Telegram credentials must be set together, or both empty.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
