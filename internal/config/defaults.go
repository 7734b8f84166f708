package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:           "info",
			DefaultCountryCode: "1",
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			MaxBodyBytes:       1 << 20,
			ReadTimeoutSeconds: 15,
		},
		Store: StoreConfig{
			DSN: "~/.commhub/commhub.db",
		},
		Providers: map[string]ProviderConfig{},
		Pipeline: PipelineConfig{
			BatchConcurrency:         8,
			StageTimeoutSeconds:      10,
			MediaTimeoutSeconds:      5,
			IdempotencyTTLMinutes:    15,
			ProceedOnIdentityFailure: true,
			MaxRetries:               3,
			RetryBackoffMillis:       1000,
			Dedup: DedupConfig{
				CheckContentHash:    true,
				CheckSimilarContent: true,
				WindowMinutes:       60,
				SimilarityThreshold: 0.85,
			},
			Identity: IdentityConfig{
				FuzzyMatching:       true,
				ConfidenceThreshold: 0.5,
				CreateNewCustomer:   true,
			},
			Threading: ThreadConfig{
				CreateIfMissing:       true,
				PreferExistingThreads: true,
				RecentWindowHours:     24,
			},
		},
		Maintenance: MaintenanceConfig{
			Enabled:           true,
			ArchiveSchedule:   "0 3 * * *",
			ArchiveAfterHours: 720,
			SweepSchedule:     "*/5 * * * *",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// ExampleProviders is written by `commhub init`; every entry starts disabled.
func ExampleProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"twilio-main": {
			Enabled: false,
			Type:    "twilio",
			Signature: SignatureConfig{
				Kind:   "twilio",
				Secret: "${TWILIO_AUTH_TOKEN}",
			},
		},
		"whatsapp-main": {
			Enabled: false,
			Type:    "whatsapp",
			Signature: SignatureConfig{
				Kind:   "meta",
				Secret: "${META_APP_SECRET}",
			},
			VerifyToken: "${META_VERIFY_TOKEN}",
		},
	}
}
