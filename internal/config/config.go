package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PIXELBOARD"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabaseDSN        = "pixelboard.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultIssuer             = "tauth"
	defaultTokenTTL           = 12 * time.Hour
	defaultDailyGrant         = 100
	defaultMaxAccumulation    = 3
	defaultQuotaBackend       = QuotaBackendSQL
	defaultBoardMaxPixels     = 400000
	defaultPlacementPerSecond = 5.0
	defaultPlacementBurst     = 10
	defaultRedisKeyPrefix     = "pixelboard:quota:"
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported quota backends.
const (
	QuotaBackendSQL   = "sql"
	QuotaBackendRedis = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	TAuthSigningKey    string
	TAuthCookieName    string
	TAuthIssuer        string
	TAuthTokenTTL      time.Duration
	QuotaDailyGrant    int
	QuotaMaxAccumulate int
	QuotaLocation      *time.Location
	QuotaBackend       string
	RedisAddress       string
	RedisPassword      string
	RedisKeyPrefix     string
	BoardMaxPixels     int
	PlacementPerSecond float64
	PlacementBurst     int
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("quota.daily_grant", defaultDailyGrant)
	configViper.SetDefault("quota.max_accumulation", defaultMaxAccumulation)
	configViper.SetDefault("quota.timezone", "")
	configViper.SetDefault("quota.backend", defaultQuotaBackend)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("boards.max_pixels", defaultBoardMaxPixels)
	configViper.SetDefault("placement.rate_per_second", defaultPlacementPerSecond)
	configViper.SetDefault("placement.burst", defaultPlacementBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	location, err := loadLocation(configViper.GetString("quota.timezone"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		TAuthSigningKey:    configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:    configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:        configViper.GetString("tauth.issuer"),
		TAuthTokenTTL:      configViper.GetDuration("tauth.token_ttl"),
		QuotaDailyGrant:    configViper.GetInt("quota.daily_grant"),
		QuotaMaxAccumulate: configViper.GetInt("quota.max_accumulation"),
		QuotaLocation:      location,
		QuotaBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("quota.backend"))),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisKeyPrefix:     configViper.GetString("redis.key_prefix"),
		BoardMaxPixels:     configViper.GetInt("boards.max_pixels"),
		PlacementPerSecond: configViper.GetFloat64("placement.rate_per_second"),
		PlacementBurst:     configViper.GetInt("placement.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.QuotaBackend {
	case QuotaBackendSQL:
	case QuotaBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when quota.backend is %q", QuotaBackendRedis)
		}
	default:
		return fmt.Errorf("quota.backend must be %q or %q, got %q", QuotaBackendSQL, QuotaBackendRedis, c.QuotaBackend)
	}
	if c.QuotaDailyGrant <= 0 {
		return fmt.Errorf("quota.daily_grant must be positive")
	}
	if c.QuotaMaxAccumulate <= 0 {
		return fmt.Errorf("quota.max_accumulation must be positive")
	}
	if c.BoardMaxPixels <= 0 {
		return fmt.Errorf("boards.max_pixels must be positive")
	}
	if c.PlacementPerSecond < 0 || c.PlacementBurst < 0 {
		return fmt.Errorf("placement rate limits must not be negative")
	}
	return nil
}

// loadLocation resolves the quota day boundary. Empty means the server's local zone.
func loadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return time.Local, nil
	}
	location, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone: %w", err)
	}
	return location, nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
