package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SEATSYNC"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "seatsync.db"
	defaultLogLevel        = "info"
	defaultLogEncoding     = "json"
	defaultProviderKind    = ProviderKindStripe
	defaultDriverInterval  = 5 * time.Second
	defaultDriverWorkers   = 1
	defaultLockTTL         = 2 * time.Minute
	defaultTokenIssuer     = "seatsync"
	defaultTokenAudience   = "seatsync-operators"
	defaultTokenTTLMinutes = 60
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported subscription providers.
const (
	ProviderKindStripe = "stripe"
	ProviderKindMemory = "memory"
)

var errMissingStripeKey = errors.New("provider.stripe_secret_key is required for the stripe provider")

// DatabaseConfig selects and locates the backing database.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// ProviderConfig selects the subscription provider.
type ProviderConfig struct {
	Kind            string
	StripeSecretKey string
}

// DriverConfig tunes the advance loop.
type DriverConfig struct {
	Interval    time.Duration
	Concurrency int
	LockTTL     time.Duration
}

// RedisConfig enables shared cursor leases when Address is set.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// HTTPConfig enables the operator status surface when Address is set.
type HTTPConfig struct {
	Address        string
	AllowedOrigins []string
}

// AuthConfig signs operator bearer tokens.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// AppConfig captures runtime configuration for the seat sync engine.
type AppConfig struct {
	LogLevel    string
	LogEncoding string
	Database    DatabaseConfig
	Provider    ProviderConfig
	Driver      DriverConfig
	Redis       RedisConfig
	HTTP        HTTPConfig
	Auth        AuthConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("provider.kind", defaultProviderKind)
	configViper.SetDefault("provider.stripe_secret_key", "")
	configViper.SetDefault("driver.interval", defaultDriverInterval)
	configViper.SetDefault("driver.concurrency", defaultDriverWorkers)
	configViper.SetDefault("driver.lock_ttl", defaultLockTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("http.address", "")
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:    configViper.GetString("log.level"),
		LogEncoding: configViper.GetString("log.encoding"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Provider: ProviderConfig{
			Kind:            strings.ToLower(strings.TrimSpace(configViper.GetString("provider.kind"))),
			StripeSecretKey: configViper.GetString("provider.stripe_secret_key"),
		},
		Driver: DriverConfig{
			Interval:    configViper.GetDuration("driver.interval"),
			Concurrency: configViper.GetInt("driver.concurrency"),
			LockTTL:     configViper.GetDuration("driver.lock_ttl"),
		},
		Redis: RedisConfig{
			Address:  strings.TrimSpace(configViper.GetString("redis.address")),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		HTTP: HTTPConfig{
			Address:        strings.TrimSpace(configViper.GetString("http.address")),
			AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Validate reports whether the selected provider is fully configured.
func (c ProviderConfig) Validate() error {
	if c.Kind == ProviderKindStripe && strings.TrimSpace(c.StripeSecretKey) == "" {
		return errMissingStripeKey
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Provider.Kind {
	case ProviderKindStripe, ProviderKindMemory:
	default:
		return fmt.Errorf("provider.kind %q is not supported", c.Provider.Kind)
	}
	if c.Driver.Interval <= 0 {
		return fmt.Errorf("driver.interval must be positive")
	}
	if c.Driver.Concurrency < 1 {
		return fmt.Errorf("driver.concurrency must be at least 1")
	}
	if c.Driver.LockTTL <= 0 {
		return fmt.Errorf("driver.lock_ttl must be positive")
	}
	if c.HTTP.Address != "" && strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required when http.address is set")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
