// Package config provides configuration management for the Aurora server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment         Environment
	ListenAddr          string
	DatabaseURL         string
	StripeWebhookSecret string
	PlanCatalogPath     string
	CORSOrigins         []string

	// Optional: when set, rate limiting uses a shared Redis store instead of
	// per-process memory, so heartbeat limits hold across replicas.
	RedisURL string

	// Optional: when set, closed dead-letter entries are archived to this S3
	// bucket before the retention purge deletes them.
	ArchiveBucket string
	ArchiveRegion string

	// Delivery retry tuning.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryAckTimeout  time.Duration
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	maxAttempts := getEnvInt("DELIVERY_MAX_ATTEMPTS", 5)
	if maxAttempts < 1 {
		maxAttempts = 5
	}

	return ServerConfig{
		Environment:         env,
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PlanCatalogPath:     getEnv("PLAN_CATALOG_PATH", "plans.yaml"),
		CORSOrigins:         getEnvList("CORS_ORIGINS", nil),
		RedisURL:            os.Getenv("REDIS_URL"),
		ArchiveBucket:       os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:       getEnv("ARCHIVE_REGION", "us-east-1"),
		RetryMaxAttempts:    maxAttempts,
		RetryBaseDelay:      getEnvDuration("DELIVERY_RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:       getEnvDuration("DELIVERY_RETRY_MAX_DELAY", 5*time.Minute),
		RetryAckTimeout:     getEnvDuration("DELIVERY_ACK_TIMEOUT", 30*time.Second),
	}
}

// getEnv reads a string from an environment variable, returning the default if unset.
func getEnv(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvDuration reads a duration ("30s", "5m") from an environment variable,
// returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvList reads a comma-separated list from an environment variable.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
