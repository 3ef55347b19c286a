package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Exchanges
	redact(&out.Binance.ApiKey)
	redact(&out.Binance.ApiSecret)
	redact(&out.Bitfinex.ApiKey)
	redact(&out.Bitfinex.ApiSecret)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.ApiKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Binance.Pairs = copyStrings(cfg.Binance.Pairs)
	out.Bitfinex.Pairs = copyStrings(cfg.Bitfinex.Pairs)
	out.Notify.Events = copyStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = copyStrings(cfg.Server.CORSOrigins)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copyStrings(src []string) []string {
	if src == nil {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
