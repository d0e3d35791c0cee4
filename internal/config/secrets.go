package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Account.APIKey)
	redact(&out.Account.APISecret)
	redact(&out.Account.APIPassphrase)

	redact(&out.Redis.Password)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Kinds = append([]string(nil), cfg.Notify.Kinds...)
	if cfg.Markets != nil {
		out.Markets = make([]MarketConfig, len(cfg.Markets))
		for i, m := range cfg.Markets {
			m.Legs = append([]LegConfig(nil), m.Legs...)
			out.Markets[i] = m
		}
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
