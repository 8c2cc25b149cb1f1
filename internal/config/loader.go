package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies INTRABOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known INTRABOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "INTRABOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "INTRABOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "INTRABOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "INTRABOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "INTRABOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "INTRABOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "INTRABOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "INTRABOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "INTRABOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "INTRABOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "INTRABOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "INTRABOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "INTRABOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "INTRABOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "INTRABOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "INTRABOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "INTRABOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "INTRABOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "INTRABOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "INTRABOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "INTRABOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "INTRABOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "INTRABOT_S3_FORCE_PATH_STYLE")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "INTRABOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "INTRABOT_BROKER_API_KEY")
	setStr(&cfg.Broker.Account, "INTRABOT_BROKER_ACCOUNT")
	setDuration(&cfg.Broker.Timeout, "INTRABOT_BROKER_TIMEOUT")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDailyLoss, "INTRABOT_RISK_MAX_DAILY_LOSS")
	setFloat64(&cfg.Risk.MaxDailyRisk, "INTRABOT_RISK_MAX_DAILY_RISK")
	setInt(&cfg.Risk.MaxTradesPerDay, "INTRABOT_RISK_MAX_TRADES_PER_DAY")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "INTRABOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setInt(&cfg.Risk.MaxOpenPositions, "INTRABOT_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.MinTradeValue, "INTRABOT_RISK_MIN_TRADE_VALUE")
	setFloat64(&cfg.Risk.MaxTradeValue, "INTRABOT_RISK_MAX_TRADE_VALUE")
	setFloat64(&cfg.Risk.MaxVolatilityATR, "INTRABOT_RISK_MAX_VOLATILITY_ATR")
	setBool(&cfg.Risk.AllowPyramiding, "INTRABOT_RISK_ALLOW_PYRAMIDING")
	setFloat64(&cfg.Risk.MinRiskReward, "INTRABOT_RISK_MIN_RISK_REWARD")
	setFloat64(&cfg.Risk.StopATRMinMult, "INTRABOT_RISK_STOP_ATR_MIN_MULT")
	setFloat64(&cfg.Risk.StopATRMaxMult, "INTRABOT_RISK_STOP_ATR_MAX_MULT")
	setFloat64(&cfg.Risk.MinLiquidity, "INTRABOT_RISK_MIN_LIQUIDITY")
	setFloat64(&cfg.Risk.MinVolumeRatio, "INTRABOT_RISK_MIN_VOLUME_RATIO")
	setFloat64(&cfg.Risk.MinATR, "INTRABOT_RISK_MIN_ATR")
	setFloat64(&cfg.Risk.MaxATR, "INTRABOT_RISK_MAX_ATR")
	setFloat64(&cfg.Risk.MaxSpreadRatio, "INTRABOT_RISK_MAX_SPREAD_RATIO")
	setDuration(&cfg.Risk.DuplicateWindow, "INTRABOT_RISK_DUPLICATE_WINDOW")
	setDuration(&cfg.Risk.CorrelationWindow, "INTRABOT_RISK_CORRELATION_WINDOW")

	// ── Portfolio ──
	setFloat64(&cfg.Portfolio.Capital, "INTRABOT_PORTFOLIO_CAPITAL")
	setFloat64(&cfg.Portfolio.ExposureCap, "INTRABOT_PORTFOLIO_EXPOSURE_CAP")
	setFloat64(&cfg.Portfolio.ReservePct, "INTRABOT_PORTFOLIO_RESERVE_PCT")
	setFloat64(&cfg.Portfolio.MaxMarginPct, "INTRABOT_PORTFOLIO_MAX_MARGIN_PCT")
	setFloat64(&cfg.Portfolio.InstrumentCap, "INTRABOT_PORTFOLIO_INSTRUMENT_CAP")
	setFloat64(&cfg.Portfolio.SectorCap, "INTRABOT_PORTFOLIO_SECTOR_CAP")
	setFloat64(&cfg.Portfolio.MinTradeValue, "INTRABOT_PORTFOLIO_MIN_TRADE_VALUE")
	setFloat64(&cfg.Portfolio.MaxTradeValue, "INTRABOT_PORTFOLIO_MAX_TRADE_VALUE")
	setFloat64(&cfg.Portfolio.MaxTradeValuePct, "INTRABOT_PORTFOLIO_MAX_TRADE_VALUE_PCT")
	setDuration(&cfg.Portfolio.ReEntryWindow, "INTRABOT_PORTFOLIO_REENTRY_WINDOW")
	setBool(&cfg.Portfolio.MarkToMarket, "INTRABOT_PORTFOLIO_MARK_TO_MARKET")

	// ── Registry ──
	setDuration(&cfg.Registry.DefaultExpiry, "INTRABOT_REGISTRY_DEFAULT_EXPIRY")
	setDuration(&cfg.Registry.SweepInterval, "INTRABOT_REGISTRY_SWEEP_INTERVAL")
	setDuration(&cfg.Registry.PersistTimeout, "INTRABOT_REGISTRY_PERSIST_TIMEOUT")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Workers, "INTRABOT_PIPELINE_WORKERS")
	setInt(&cfg.Pipeline.QueueSize, "INTRABOT_PIPELINE_QUEUE_SIZE")
	setDuration(&cfg.Pipeline.BrokerSyncInterval, "INTRABOT_PIPELINE_BROKER_SYNC_INTERVAL")
	setDuration(&cfg.Pipeline.CleanupInterval, "INTRABOT_PIPELINE_CLEANUP_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "INTRABOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "INTRABOT_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "INTRABOT_ARCHIVE_RETENTION")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "INTRABOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "INTRABOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "INTRABOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "INTRABOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Timezone, "INTRABOT_TIMEZONE")
	setStr(&cfg.LogLevel, "INTRABOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
