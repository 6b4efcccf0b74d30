package config

import "testing"

func TestLoadRequiresAccessTokenSecret(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ACCESS_TOKEN_SECRET is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_SECRET", "a-real-secret")
	t.Setenv("PORT", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CORS_ORIGIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "5000" {
		t.Fatalf("got port %q", cfg.Port)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Fatalf("got redis url %q", cfg.RedisURL)
	}
	if cfg.CORSOrigin != "*" {
		t.Fatalf("got cors origin %q", cfg.CORSOrigin)
	}
}

func TestLoadRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_SECRET", "default-access-secret")
	t.Setenv("ENV", "production")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for default-looking secret in production")
	}
}
