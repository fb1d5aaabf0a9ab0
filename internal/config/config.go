// Package config loads and validates application configuration from YAML files,
// an optional .env file and QMS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "QMS_"

// Identity modes.
const (
	IdentityModeJWT    = "jwt"
	IdentityModeHeader = "header"
)

// Record store and idempotency drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Identity      IdentityConfig      `yaml:"identity" envPrefix:"IDENTITY_"`
	Definitions   DefinitionsConfig   `yaml:"definitions" envPrefix:"DEFINITIONS_"`
	Capability    CapabilityConfig    `yaml:"capability" envPrefix:"CAPABILITY_"`
	Store         StoreConfig         `yaml:"store" envPrefix:"STORE_"`
	Redis         RedisConfig         `yaml:"redis" envPrefix:"REDIS_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Events        EventsConfig        `yaml:"events" envPrefix:"EVENTS_"`
	Reports       ReportsConfig       `yaml:"reports" envPrefix:"REPORTS_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	CORS            CORSConfig    `yaml:"cors" envPrefix:"CORS_"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" env:"ALLOWED_METHODS"`
	AllowedHeaders []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS"`
	MaxAge         int      `yaml:"max_age" env:"MAX_AGE"`
}

// IdentityConfig selects how the acting principal is established. In jwt
// mode the name and role are read from verified token claims; in header mode
// the UserHeader carries a username looked up in the seeded user directory.
type IdentityConfig struct {
	Mode         string        `yaml:"mode" env:"MODE"`
	Issuer       string        `yaml:"issuer" env:"ISSUER"`
	Audience     string        `yaml:"audience" env:"AUDIENCE"`
	JWKSURL      string        `yaml:"jwks_url" env:"JWKS_URL"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL"`
	Algorithms   []string      `yaml:"algorithms" env:"ALGORITHMS"`
	NameClaim    string        `yaml:"name_claim" env:"NAME_CLAIM"`
	RoleClaim    string        `yaml:"role_claim" env:"ROLE_CLAIM"`
	UserHeader   string        `yaml:"user_header" env:"USER_HEADER"`
}

// DefinitionsConfig describes where to find record-type definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories" env:"DIRECTORIES"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	PolicyFile string        `yaml:"policy_file" env:"POLICY_FILE"`
	CacheTTL   time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver        string        `yaml:"driver" env:"DRIVER"`
	PostgresDSN   string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	MaxConns      int32         `yaml:"max_conns" env:"MAX_CONNS"`
	MongoURI      string        `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string        `yaml:"mongo_database" env:"MONGO_DATABASE"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	Breaker       BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig tunes the circuit breaker in front of remote record stores.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	Cooldown         time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

// RedisConfig is the shared Redis connection used by the redis record store,
// the idempotency store and the event publisher.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Driver  string        `yaml:"driver" env:"DRIVER"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

// EventsConfig describes record event publishing.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Channel string `yaml:"channel" env:"CHANNEL"`
}

// ReportsConfig describes the statistics refresh job and export limits.
type ReportsConfig struct {
	RefreshSchedule string `yaml:"refresh_schedule" env:"REFRESH_SCHEDULE"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string        `yaml:"log_format" env:"LOG_FORMAT"`
	Tracing   TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics   MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint" env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-QMS-User",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Mode:         IdentityModeJWT,
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256"},
			NameClaim:    "name",
			RoleClaim:    "role",
			UserHeader:   "X-QMS-User",
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"definitions"},
		},
		Capability: CapabilityConfig{
			PolicyFile: "config/policies.yaml",
			CacheTTL:   5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			MaxConns:      10,
			MongoDatabase: "qms",
			KeyPrefix:     "qms:",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         30 * time.Second,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  DriverMemory,
			TTL:     24 * time.Hour,
		},
		Events: EventsConfig{
			Channel: "qms.record.events",
		},
		Reports: ReportsConfig{
			RefreshSchedule: "@every 1m",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file over the defaults, loads a .env file from
// the working directory when present, applies QMS_* environment overrides
// and validates the result. Variables already set in the process
// environment win over the .env file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with any QMS_* variables set in the environment.
// Unset variables leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Identity.Mode {
	case IdentityModeJWT:
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required in jwt mode")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required in jwt mode")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required in jwt mode")
		}
	case IdentityModeHeader:
		if c.Identity.UserHeader == "" {
			errs = append(errs, "identity.user_header is required in header mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q must be jwt or header", c.Identity.Mode))
	}

	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must name at least one directory")
	}
	if c.Capability.PolicyFile == "" {
		errs = append(errs, "capability.policy_file is required")
	}

	needsRedis := false
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, "store.postgres_dsn is required for the postgres driver")
		}
	case DriverRedis:
		needsRedis = true
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, "store.mongo_uri is required for the mongo driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case DriverMemory:
		case DriverRedis:
			needsRedis = true
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
		}
	}
	if c.Events.Enabled {
		needsRedis = true
		if c.Events.Channel == "" {
			errs = append(errs, "events.channel is required when events are enabled")
		}
	}
	if needsRedis && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required by the configured drivers")
	}

	if c.Reports.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Reports.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("reports.refresh_schedule: %v", err))
		}
	}

	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any configured component needs the shared Redis
// connection.
func (c *Config) UsesRedis() bool {
	return c.Store.Driver == DriverRedis ||
		(c.Idempotency.Enabled && c.Idempotency.Driver == DriverRedis) ||
		c.Events.Enabled
}
