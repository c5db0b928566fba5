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
// built-in defaults, applies TRIBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known TRIBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchanges ── variable names derive from the venue key, e.g.
	// TRIBOT_EXCHANGE_BINANCE_API_KEY.
	for name, ex := range cfg.Exchanges {
		prefix := "TRIBOT_EXCHANGE_" + strings.ToUpper(name) + "_"
		setBool(&ex.Enabled, prefix+"ENABLED")
		setStr(&ex.RestURL, prefix+"REST_URL")
		setStr(&ex.WsURL, prefix+"WS_URL")
		setStr(&ex.ApiKey, prefix+"API_KEY")
		setStr(&ex.ApiSecret, prefix+"API_SECRET")
		setStr(&ex.ApiPassphrase, prefix+"API_PASSPHRASE")
		setFloat64(&ex.MakerFee, prefix+"MAKER_FEE")
		setFloat64(&ex.TakerFee, prefix+"TAKER_FEE")
		setFloat64(&ex.FeeTokenDiscount, prefix+"FEE_TOKEN_DISCOUNT")
		setBool(&ex.UseFeeToken, prefix+"USE_FEE_TOKEN")
		setInt(&ex.RateLimitPerSec, prefix+"RATE_LIMIT_PER_SEC")
		cfg.Exchanges[name] = ex
	}

	// ── Trading ──
	setBool(&cfg.Trading.Paper, "TRIBOT_TRADING_PAPER")
	setBool(&cfg.Trading.AutoExecute, "TRIBOT_TRADING_AUTO_EXECUTE")
	setStringSlice(&cfg.Trading.Exchanges, "TRIBOT_TRADING_EXCHANGES")
	setStringSlice(&cfg.Trading.BaseAssets, "TRIBOT_TRADING_BASE_ASSETS")
	setFloat64(&cfg.Trading.MinProfitPct, "TRIBOT_TRADING_MIN_PROFIT_PCT")
	setDuration(&cfg.Trading.ScanInterval, "TRIBOT_TRADING_SCAN_INTERVAL")
	setDuration(&cfg.Trading.StalenessBound, "TRIBOT_TRADING_STALENESS_BOUND")
	setFloat64(&cfg.Trading.SlippageTolerancePct, "TRIBOT_TRADING_SLIPPAGE_TOLERANCE_PCT")
	setInt(&cfg.Trading.DepthLevels, "TRIBOT_TRADING_DEPTH_LEVELS")
	setFloat64(&cfg.Trading.DepthTolerancePct, "TRIBOT_TRADING_DEPTH_TOLERANCE_PCT")
	setInt(&cfg.Trading.MaxLiveOpportunities, "TRIBOT_TRADING_MAX_LIVE_OPPORTUNITIES")
	setDuration(&cfg.Trading.LegTimeout, "TRIBOT_TRADING_LEG_TIMEOUT")
	setFloat64(&cfg.Trading.SimulatedSlippagePct, "TRIBOT_TRADING_SIMULATED_SLIPPAGE_PCT")
	setFloat64(&cfg.Trading.PaperStartingBalance, "TRIBOT_TRADING_PAPER_STARTING_BALANCE")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxTradeAmount, "TRIBOT_RISK_MAX_TRADE_AMOUNT")
	setInt(&cfg.Risk.BreakerThreshold, "TRIBOT_RISK_BREAKER_THRESHOLD")

	// ── Secrets ──
	setStr(&cfg.Secrets.EncryptedKeyPath, "TRIBOT_SECRETS_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Secrets.KeyPassword, "TRIBOT_SECRETS_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRIBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRIBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRIBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRIBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRIBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRIBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRIBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRIBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRIBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRIBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRIBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRIBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRIBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRIBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRIBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRIBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRIBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRIBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRIBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRIBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRIBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRIBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRIBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRIBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TRIBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "TRIBOT_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRIBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRIBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRIBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRIBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRIBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRIBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRIBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRIBOT_MODE")
	setStr(&cfg.LogLevel, "TRIBOT_LOG_LEVEL")
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
