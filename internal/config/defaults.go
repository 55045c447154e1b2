package config

func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:              "https://vectaraaa.onrender.com",
			Approach:             "full_context",
			HealthTimeoutSeconds: 2,
			InfoTimeoutSeconds:   5,
			QueryTimeoutSeconds:  30,
		},
		Telegram: TelegramConfig{
			Mode:               ModePolling,
			PollTimeoutSeconds: 30,
			WebhookPath:        "/webhook",
		},
		Server: ServerConfig{
			Host:                     "0.0.0.0",
			Port:                     8000,
			WebhookRequestsPerMinute: 600,
			ShutdownTimeoutSeconds:   10,
		},
		Relay: RelayConfig{
			MaxConcurrent:       16,
			MaxMessageRunes:     4000,
			ChatRatePerMinute:   20,
			ChatBurst:           5,
			DrainTimeoutSeconds: 30,
		},
		Audit: AuditConfig{
			Enabled:       false,
			DBPath:        "~/.relaybot/audit.db",
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
