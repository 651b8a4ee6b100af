package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("expected defaults to load: %v", err)
	}
	if cfg.Database.Driver != DatabaseDriverSQLite || cfg.Database.Path != "seatsync.db" {
		t.Fatalf("unexpected database config %#v", cfg.Database)
	}
	if cfg.Provider.Kind != ProviderKindStripe {
		t.Fatalf("unexpected provider kind %q", cfg.Provider.Kind)
	}
	if cfg.Driver.Interval != 5*time.Second || cfg.Driver.Concurrency != 1 || cfg.Driver.LockTTL != 2*time.Minute {
		t.Fatalf("unexpected driver config %#v", cfg.Driver)
	}
	if cfg.HTTP.Address != "" || cfg.Redis.Address != "" {
		t.Fatalf("expected optional surfaces disabled by default")
	}
	if cfg.Auth.TokenTTL != time.Hour || cfg.LogLevel != "info" {
		t.Fatalf("unexpected auth or log config %#v %q", cfg.Auth, cfg.LogLevel)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SEATSYNC_DATABASE_DRIVER", "postgres")
	t.Setenv("SEATSYNC_DATABASE_DSN", "postgres://seatsync@localhost/seatsync")
	t.Setenv("SEATSYNC_DRIVER_CONCURRENCY", "4")
	t.Setenv("SEATSYNC_HTTP_ADDRESS", ":9090")
	t.Setenv("SEATSYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("SEATSYNC_HTTP_ALLOWED_ORIGINS", "https://ops.example.com, https://admin.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("expected environment to load: %v", err)
	}
	if cfg.Database.Driver != DatabaseDriverPostgres || cfg.Database.DSN == "" {
		t.Fatalf("unexpected database config %#v", cfg.Database)
	}
	if cfg.Driver.Concurrency != 4 || cfg.HTTP.Address != ":9090" {
		t.Fatalf("unexpected config %#v", cfg)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "https://admin.example.com" {
		t.Fatalf("unexpected origins %v", cfg.HTTP.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   interface{}
		message string
	}{
		{name: "driver", key: "database.driver", value: "mysql", message: "database.driver"},
		{name: "postgres-dsn", key: "database.driver", value: "postgres", message: "database.dsn"},
		{name: "provider", key: "provider.kind", value: "paypal", message: "provider.kind"},
		{name: "concurrency", key: "driver.concurrency", value: 0, message: "driver.concurrency"},
		{name: "interval", key: "driver.interval", value: "0s", message: "driver.interval"},
		{name: "http-secret", key: "http.address", value: ":8080", message: "auth.signing_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tt.key, tt.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.message) {
				t.Fatalf("expected error mentioning %s, got %v", tt.message, err)
			}
		})
	}
}

func TestProviderConfigValidate(t *testing.T) {
	if err := (ProviderConfig{Kind: ProviderKindStripe}).Validate(); !errors.Is(err, errMissingStripeKey) {
		t.Fatalf("expected missing stripe key error, got %v", err)
	}
	if err := (ProviderConfig{Kind: ProviderKindStripe, StripeSecretKey: "sk_test_123"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (ProviderConfig{Kind: ProviderKindMemory}).Validate(); err != nil {
		t.Fatalf("memory provider needs no key: %v", err)
	}
}
