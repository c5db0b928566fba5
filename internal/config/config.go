// Package config defines the top-level configuration for the arbitrage bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRIBOT_* environment variables.
type Config struct {
	Exchanges map[string]ExchangeConfig `toml:"exchanges"`
	Trading   TradingConfig             `toml:"trading"`
	Risk      RiskConfig                `toml:"risk"`
	Secrets   SecretsConfig             `toml:"secrets"`
	Postgres  PostgresConfig            `toml:"postgres"`
	Redis     RedisConfig               `toml:"redis"`
	S3        S3Config                  `toml:"s3"`
	Archive   ArchiveConfig             `toml:"archive"`
	Server    ServerConfig              `toml:"server"`
	Notify    NotifyConfig              `toml:"notify"`
	Mode      string                    `toml:"mode"`
	LogLevel  string                    `toml:"log_level"`
}

// ExchangeConfig holds per-venue endpoints, credentials, and fee model.
// Fees are fractions (0.001 = 0.1%).
type ExchangeConfig struct {
	Enabled       bool   `toml:"enabled"`
	RestURL       string `toml:"rest_url"`
	WsURL         string `toml:"ws_url"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`

	MakerFee         float64  `toml:"maker_fee"`
	TakerFee         float64  `toml:"taker_fee"`
	FeeTokenDiscount float64  `toml:"fee_token_discount"`
	UseFeeToken      bool     `toml:"use_fee_token"`
	ZeroFeePairs     []string `toml:"zero_fee_pairs"`

	RateLimitPerSec int `toml:"rate_limit_per_sec"`
}

// TradingConfig holds detection and execution parameters. Percentages are
// whole percents (0.5 = 0.5%).
type TradingConfig struct {
	Paper       bool     `toml:"paper"`
	AutoExecute bool     `toml:"auto_execute"`
	Exchanges   []string `toml:"exchanges"`
	BaseAssets  []string `toml:"base_assets"`

	MinProfitPct         float64  `toml:"min_profit_pct"`
	ScanInterval         duration `toml:"scan_interval"`
	StalenessBound       duration `toml:"staleness_bound"`
	SlippageTolerancePct float64  `toml:"slippage_tolerance_pct"`
	DepthLevels          int      `toml:"depth_levels"`
	DepthTolerancePct    float64  `toml:"depth_tolerance_pct"`
	MaxLiveOpportunities int      `toml:"max_live_opportunities"`
	LegTimeout           duration `toml:"leg_timeout"`

	SimulatedSlippagePct float64 `toml:"simulated_slippage_pct"`
	PaperStartingBalance float64 `toml:"paper_starting_balance"`
}

// RiskConfig holds hard risk limits enforced before every execution.
type RiskConfig struct {
	MaxTradeAmount   float64 `toml:"max_trade_amount"`
	BreakerThreshold int     `toml:"breaker_threshold"`
}

// SecretsConfig points at the encrypted credential file used when venue API
// secrets are not supplied in plain config or environment.
type SecretsConfig struct {
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// ArchiveConfig holds ledger archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`

	// APIKey guards the control endpoints; empty disables authentication.
	APIKey string `toml:"api_key"`

	// RateLimitPerMin caps API requests per client IP per minute.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchanges: map[string]ExchangeConfig{
			"binance": {
				Enabled:          true,
				RestURL:          "https://api.binance.com",
				WsURL:            "wss://stream.binance.com:9443",
				MakerFee:         0.001,
				TakerFee:         0.001,
				FeeTokenDiscount: 0.25,
				UseFeeToken:      false,
				ZeroFeePairs:     []string{"BTC/USDT", "ETH/USDT"},
				RateLimitPerSec:  10,
			},
			"kucoin": {
				Enabled: true,
				RestURL: "https://api.kucoin.com",
				// WsURL left empty: the endpoint and token come from the
				// bullet-public handshake at connect time.
				WsURL:            "",
				MakerFee:         0.001,
				TakerFee:         0.001,
				FeeTokenDiscount: 0.20,
				UseFeeToken:      false,
				ZeroFeePairs:     []string{"BTC/USDT", "ETH/USDT", "KCS/USDT"},
				RateLimitPerSec:  10,
			},
		},
		Trading: TradingConfig{
			Paper:                true,
			AutoExecute:          false,
			Exchanges:            []string{"binance"},
			BaseAssets:           []string{"USDT"},
			MinProfitPct:         0.5,
			ScanInterval:         duration{3 * time.Second},
			StalenessBound:       duration{5 * time.Second},
			SlippageTolerancePct: 0.5,
			DepthLevels:          5,
			DepthTolerancePct:    10.0,
			MaxLiveOpportunities: 50,
			LegTimeout:           duration{30 * time.Second},
			SimulatedSlippagePct: 0.05,
			PaperStartingBalance: 10_000,
		},
		Risk: RiskConfig{
			MaxTradeAmount:   100.0,
			BreakerThreshold: 3,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "tribot",
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
			Bucket:         "tribot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_logged", "circuit_breaker"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"trade":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, trade, monitor, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchanges
	if len(c.Exchanges) == 0 {
		errs = append(errs, "exchanges: at least one venue must be configured")
	}
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		if ex.RestURL == "" {
			errs = append(errs, fmt.Sprintf("exchanges.%s: rest_url must not be empty", name))
		}
		if ex.MakerFee < 0 || ex.MakerFee >= 1 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: maker_fee must be in [0, 1), got %g", name, ex.MakerFee))
		}
		if ex.TakerFee < 0 || ex.TakerFee >= 1 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: taker_fee must be in [0, 1), got %g", name, ex.TakerFee))
		}
		if ex.FeeTokenDiscount < 0 || ex.FeeTokenDiscount > 1 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: fee_token_discount must be in [0, 1], got %g", name, ex.FeeTokenDiscount))
		}
		if ex.RateLimitPerSec < 1 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: rate_limit_per_sec must be >= 1", name))
		}
	}

	// Selected trading venues must exist and be enabled.
	for _, name := range c.Trading.Exchanges {
		ex, ok := c.Exchanges[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("trading: exchange %q is not configured", name))
			continue
		}
		if !ex.Enabled {
			errs = append(errs, fmt.Sprintf("trading: exchange %q is disabled", name))
		}
		// Live order placement needs credentials from config, env, or the
		// encrypted key file.
		if !c.Trading.Paper && c.Secrets.EncryptedKeyPath == "" {
			if ex.ApiKey == "" || ex.ApiSecret == "" {
				errs = append(errs, fmt.Sprintf("exchanges.%s: api_key and api_secret are required for live trading", name))
			}
		}
	}

	// Trading
	if c.Trading.MinProfitPct < 0 {
		errs = append(errs, "trading: min_profit_pct must be >= 0")
	}
	if c.Trading.ScanInterval.Duration <= 0 {
		errs = append(errs, "trading: scan_interval must be > 0")
	}
	if c.Trading.StalenessBound.Duration <= 0 {
		errs = append(errs, "trading: staleness_bound must be > 0")
	}
	if c.Trading.SlippageTolerancePct < 0 {
		errs = append(errs, "trading: slippage_tolerance_pct must be >= 0")
	}
	if c.Trading.DepthLevels < 1 {
		errs = append(errs, "trading: depth_levels must be >= 1")
	}
	if c.Trading.DepthTolerancePct < 0 {
		errs = append(errs, "trading: depth_tolerance_pct must be >= 0")
	}
	if c.Trading.MaxLiveOpportunities < 1 {
		errs = append(errs, "trading: max_live_opportunities must be >= 1")
	}
	if c.Trading.LegTimeout.Duration <= 0 {
		errs = append(errs, "trading: leg_timeout must be > 0")
	}
	if len(c.Trading.BaseAssets) == 0 {
		errs = append(errs, "trading: at least one base asset must be set")
	}
	if c.Trading.Paper && c.Trading.PaperStartingBalance <= 0 {
		errs = append(errs, "trading: paper_starting_balance must be > 0 in paper mode")
	}

	// Risk
	if c.Risk.MaxTradeAmount <= 0 {
		errs = append(errs, "risk: max_trade_amount must be > 0")
	}
	if c.Risk.BreakerThreshold < 1 {
		errs = append(errs, "risk: breaker_threshold must be >= 1")
	}

	// Secrets
	if c.Secrets.EncryptedKeyPath != "" && c.Secrets.KeyPassword == "" {
		errs = append(errs, "secrets: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 only matters when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
