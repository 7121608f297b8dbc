package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overrides configuration from environment variables. Secrets
// are the usual reason to prefer the environment over the config file.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("MERIDIAN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("MERIDIAN_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if endpoint := os.Getenv("MERIDIAN_TRAFFIC_ENDPOINT"); endpoint != "" {
		cfg.Traffic.ManagerEndpoint = endpoint
	}

	if url := os.Getenv("MERIDIAN_WEBHOOK_URL"); url != "" {
		cfg.Alerting.WebhookURL = url
	}
	if secret := os.Getenv("MERIDIAN_WEBHOOK_SECRET"); secret != "" {
		cfg.Alerting.WebhookSecret = secret
	}

	if secret := os.Getenv("MERIDIAN_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if hash := os.Getenv("MERIDIAN_API_KEY_HASH"); hash != "" {
		cfg.Auth.APIKeyHash = hash
	}

	if seed := os.Getenv("MERIDIAN_AUDIT_SIGNING_SEED"); seed != "" {
		cfg.Audit.SigningKeySeed = seed
	}

	// Postgres settings for the audit store
	if host := os.Getenv("MERIDIAN_PG_HOST"); host != "" {
		cfg.Audit.Postgres.Host = host
	}
	if port := os.Getenv("MERIDIAN_PG_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Audit.Postgres.Port = p
		}
	}
	if user := os.Getenv("MERIDIAN_PG_USER"); user != "" {
		cfg.Audit.Postgres.User = user
	}
	if pass := os.Getenv("MERIDIAN_PG_PASSWORD"); pass != "" {
		cfg.Audit.Postgres.Password = pass
	}
	if db := os.Getenv("MERIDIAN_PG_DATABASE"); db != "" {
		cfg.Audit.Postgres.Database = db
	}

	if key := os.Getenv("MERIDIAN_ARCHIVE_ACCESS_KEY"); key != "" {
		cfg.Audit.Archive.AccessKey = key
	}
	if key := os.Getenv("MERIDIAN_ARCHIVE_SECRET_KEY"); key != "" {
		cfg.Audit.Archive.SecretKey = key
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
