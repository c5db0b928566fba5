package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Exchanges: rebuild the map so redaction cannot leak back into cfg.
	if cfg.Exchanges != nil {
		out.Exchanges = make(map[string]ExchangeConfig, len(cfg.Exchanges))
		for name, ex := range cfg.Exchanges {
			redact(&ex.ApiKey)
			redact(&ex.ApiSecret)
			redact(&ex.ApiPassphrase)
			if ex.ZeroFeePairs != nil {
				pairs := make([]string, len(ex.ZeroFeePairs))
				copy(pairs, ex.ZeroFeePairs)
				ex.ZeroFeePairs = pairs
			}
			out.Exchanges[name] = ex
		}
	}

	// Secrets
	out.Secrets = cfg.Secrets
	redact(&out.Secrets.KeyPassword)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Trading.Exchanges != nil {
		out.Trading.Exchanges = make([]string, len(cfg.Trading.Exchanges))
		copy(out.Trading.Exchanges, cfg.Trading.Exchanges)
	}
	if cfg.Trading.BaseAssets != nil {
		out.Trading.BaseAssets = make([]string, len(cfg.Trading.BaseAssets))
		copy(out.Trading.BaseAssets, cfg.Trading.BaseAssets)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
