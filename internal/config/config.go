// Package config loads edge-proxy's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all configuration for the proxy.
type Config struct {
	Env  string // "development" or "production"
	Port string

	RedisURL string

	// AccessTokenSecret signs and verifies every rewritten segment/playlist
	// URL's HMAC.
	AccessTokenSecret string

	// CORSOrigin is either "*" or a comma-separated list of allowed origins.
	CORSOrigin        string
	PreviewCORSOrigin string
}

// Load reads configuration from environment variables, applying the same
// development-friendly defaults as the upstream catalog's own config loader.
func Load() (*Config, error) {
	cfg := &Config{
		Env:               getEnv("ENV", "development"),
		Port:              getEnv("PORT", "5000"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		AccessTokenSecret: getEnv("ACCESS_TOKEN_SECRET", ""),
		CORSOrigin:        getEnv("CORS_ORIGIN", "*"),
		PreviewCORSOrigin: getEnv("PREVIEW_CORS_ORIGIN", "*"),
	}

	if cfg.AccessTokenSecret == "" {
		return nil, fmt.Errorf("ACCESS_TOKEN_SECRET is required")
	}

	if cfg.Env == "production" && strings.HasPrefix(cfg.AccessTokenSecret, "default-") {
		return nil, fmt.Errorf("ACCESS_TOKEN_SECRET looks like a default value but ENV=production")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

