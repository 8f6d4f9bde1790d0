package config

import (
	"os"
	"strconv"
	"time"
)

// Fulfillment holds the knobs shared across the webhook, grant and token
// pipeline. Zero values for GrantExpiryDays and GrantMaxDownloads mean
// "never expires" and "unlimited" respectively.
type Fulfillment struct {
	WebhookSecret     string
	WebhookTolerance  time.Duration
	GrantExpiryDays   int
	GrantMaxDownloads int
	TokenTTL          time.Duration
}

func Load() Fulfillment {
	return Fulfillment{
		WebhookSecret:     getEnv("WEBHOOK_SECRET", "whsec_dev_secret"),
		WebhookTolerance:  getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		GrantExpiryDays:   getEnvInt("GRANT_EXPIRY_DAYS", 30),
		GrantMaxDownloads: getEnvInt("GRANT_MAX_DOWNLOADS", 5),
		TokenTTL:          getEnvDuration("TOKEN_TTL", 10*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
