package config

const redacted = "***"

// Redacted returns a copy of c with every credential replaced by "***",
// safe to log.
func (c *Config) Redacted() Config {
	out := *c

	redact(&out.Manifold.APIKey)
	redact(&out.XAI.APIKey)
	redact(&out.Redis.Password)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices are copied so the redacted value cannot alias the original.
	out.Manifold.Topics = append([]string(nil), c.Manifold.Topics...)
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), c.Notify.Events...)

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
