package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Catalog sources.
const (
	CatalogDatabase = "database"
	CatalogREST     = "rest"
)

// Event backends.
const (
	EventsNone  = "none"
	EventsRedis = "redis"
	EventsMQTT  = "mqtt"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`
	UploadLimit string   `mapstructure:"UPLOAD_LIMIT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	CatalogSource  string        `mapstructure:"CATALOG_SOURCE"`
	CatalogURL     string        `mapstructure:"CATALOG_URL"`
	CatalogToken   string        `mapstructure:"CATALOG_TOKEN"`
	CatalogTimeout time.Duration `mapstructure:"CATALOG_TIMEOUT"`
	CatalogRetries int           `mapstructure:"CATALOG_RETRIES"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	EventsBackend   string `mapstructure:"EVENTS_BACKEND"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	EventsStream    string `mapstructure:"EVENTS_STREAM"`
	EventsStreamMax int64  `mapstructure:"EVENTS_STREAM_MAXLEN"`
	MQTTBroker      string `mapstructure:"MQTT_BROKER"`
	MQTTClientID    string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername    string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword    string `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
	ImportMaxRows  int  `mapstructure:"IMPORT_MAX_ROWS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "CORS_ORIGINS", "BODY_LIMIT", "UPLOAD_LIMIT",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"CATALOG_SOURCE", "CATALOG_URL", "CATALOG_TOKEN", "CATALOG_TIMEOUT", "CATALOG_RETRIES",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"EVENTS_BACKEND", "REDIS_URL", "EVENTS_STREAM", "EVENTS_STREAM_MAXLEN",
	"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_TOPIC_PREFIX",
	"METRICS_ENABLED", "IMPORT_MAX_ROWS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "10M")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "labflow.db")
	v.SetDefault("CATALOG_SOURCE", CatalogDatabase)
	v.SetDefault("CATALOG_TIMEOUT", 10*time.Second)
	v.SetDefault("CATALOG_RETRIES", 2)
	v.SetDefault("EVENTS_BACKEND", EventsNone)
	v.SetDefault("EVENTS_STREAM", "labflow:orders")
	v.SetDefault("EVENTS_STREAM_MAXLEN", 10000)
	v.SetDefault("MQTT_CLIENT_ID", "labflow-server")
	v.SetDefault("MQTT_TOPIC_PREFIX", "labflow/orders")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("IMPORT_MAX_ROWS", 500)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.NeedsDatabaseURL() && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s and CATALOG_SOURCE=%s",
			cfg.StoreDriver, cfg.CatalogSource)
	}

	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		log.Warn().Msg("server is running in DEVELOPMENT mode: unauthenticated requests act as admin; set ENV=production and AUTH_ISSUER for real deployments")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsDatabaseURL reports whether any configured component talks to Postgres.
func (c *Config) NeedsDatabaseURL() bool {
	return c.StoreDriver == StorePostgres || c.CatalogSource == CatalogDatabase
}

// ResolvedAuthMode returns AUTH_MODE if set. Otherwise ENV=development
// resolves to "development" (every request is an admin) and anything else
// to "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe and complete enough to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_JWKS_URL, AUTH_SIGNING_KEY or AUTH_ISSUER must be set when AUTH_MODE is \"jwt\" (ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreDriver {
	case StorePostgres:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
		if c.CatalogSource == CatalogDatabase {
			return fmt.Errorf("CATALOG_SOURCE=%q reads the Postgres catalog tables; use %q with STORE_DRIVER=%q",
				CatalogDatabase, CatalogREST, StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreSQLite, c.StoreDriver)
	}

	switch c.CatalogSource {
	case CatalogDatabase:
	case CatalogREST:
		if c.CatalogURL == "" {
			return fmt.Errorf("CATALOG_URL is required when CATALOG_SOURCE is %q", CatalogREST)
		}
	default:
		return fmt.Errorf("CATALOG_SOURCE must be %q or %q, got %q", CatalogDatabase, CatalogREST, c.CatalogSource)
	}
	if c.CatalogRetries < 0 {
		return fmt.Errorf("CATALOG_RETRIES must not be negative")
	}

	switch c.EventsBackend {
	case EventsNone, "":
	case EventsRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENTS_BACKEND is %q", EventsRedis)
		}
	case EventsMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required when EVENTS_BACKEND is %q", EventsMQTT)
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be %q, %q or %q, got %q", EventsNone, EventsRedis, EventsMQTT, c.EventsBackend)
	}

	if c.ImportMaxRows <= 0 {
		return fmt.Errorf("IMPORT_MAX_ROWS must be positive, got %d", c.ImportMaxRows)
	}
	return nil
}
