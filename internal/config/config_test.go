package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database settings %q %q", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.TokenTTL != time.Hour {
		testContext.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.ClaimCodeAttempts != defaultClaimCodeAttempts {
		testContext.Fatalf("unexpected claim code attempts %d", cfg.ClaimCodeAttempts)
	}
	if cfg.RedisAddress != "" || cfg.RedisChannel != defaultRedisChannel {
		testContext.Fatalf("unexpected redis settings %q %q", cfg.RedisAddress, cfg.RedisChannel)
	}
	if cfg.AllowedOrigins != nil {
		testContext.Fatalf("expected no allowed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("BADGER_AUTH_SIGNING_SECRET", "env-secret")
	testContext.Setenv("BADGER_PUBLIC_ORIGIN", "https://badges.example.com/")
	testContext.Setenv("BADGER_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningSecret != "env-secret" {
		testContext.Fatalf("expected signing secret from env, got %q", cfg.SigningSecret)
	}
	if cfg.PublicOrigin != "https://badges.example.com" {
		testContext.Fatalf("expected trimmed origin, got %q", cfg.PublicOrigin)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		testContext.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(testContext *testing.T) {
	cases := []struct {
		name     string
		settings map[string]interface{}
		message  string
	}{
		{name: "missing secret", settings: map[string]interface{}{}, message: "auth.signing_secret"},
		{name: "postgres without dsn", settings: map[string]interface{}{"database.driver": "postgres"}, message: "database.dsn"},
		{name: "unknown driver", settings: map[string]interface{}{"database.driver": "mysql"}, message: "not supported"},
		{name: "relative origin", settings: map[string]interface{}{"public.origin": "/badges"}, message: "public.origin"},
		{name: "zero attempts", settings: map[string]interface{}{"claimcodes.max_attempts": 0}, message: "claimcodes.max_attempts"},
	}
	for _, testCase := range cases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("auth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
