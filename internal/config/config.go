// Package config loads service settings from an optional YAML file and
// WEBTASKS_* environment variables.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Cookies   CookieConfig    `yaml:"cookies"`
	Authz     AuthzConfig     `yaml:"authz"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
	// Seed applies the demo seed set on startup (memory driver only).
	Seed         bool   `yaml:"seed"`
	SeedPassword string `yaml:"seed_password"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// AuthConfig holds the two signing secrets. They must differ so that an
// access token can never be replayed as a renewal credential.
type AuthConfig struct {
	AccessSecret  string        `yaml:"access_secret"`
	RenewalSecret string        `yaml:"renewal_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RenewalTTL    time.Duration `yaml:"renewal_ttl"`
	Issuer        string        `yaml:"issuer"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
}

type CookieConfig struct {
	Secure bool   `yaml:"secure"`
	Domain string `yaml:"domain"`
}

type AuthzConfig struct {
	// MaskNotFound reports missing resources as forbidden to callers
	// without the wide permission.
	MaskNotFound bool `yaml:"mask_not_found"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustedProxies are addresses or CIDR ranges whose X-Forwarded-For
	// header names the real client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds the configuration in three layers: defaults, then the YAML
// file when path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in settings. Secrets are left empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr: ":9090",
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Postgres: PostgresConfig{
				MaxOpenConns:    50,
				MaxIdleConns:    25,
				ConnMaxLifetime: 15 * time.Minute,
			},
			Mongo: MongoConfig{
				Database: "webtasks",
			},
		},
		Auth: AuthConfig{
			AccessTTL:  24 * time.Hour,
			RenewalTTL: 48 * time.Hour,
			Issuer:     "webtasks",
			BcryptCost: 12,
		},
		Cookies: CookieConfig{
			Secure: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("WEBTASKS_HTTP_ADDR", &cfg.Server.Addr)
	str("WEBTASKS_GRPC_ADDR", &cfg.GRPC.Addr)
	str("WEBTASKS_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("WEBTASKS_PG_DSN", &cfg.Storage.Postgres.DSN)
	str("WEBTASKS_MONGO_URI", &cfg.Storage.Mongo.URI)
	str("WEBTASKS_MONGO_DATABASE", &cfg.Storage.Mongo.Database)
	str("WEBTASKS_ACCESS_SECRET", &cfg.Auth.AccessSecret)
	str("WEBTASKS_RENEWAL_SECRET", &cfg.Auth.RenewalSecret)
	str("WEBTASKS_ISSUER", &cfg.Auth.Issuer)
	str("WEBTASKS_COOKIE_DOMAIN", &cfg.Cookies.Domain)
	str("WEBTASKS_LOG_LEVEL", &cfg.Logging.Level)
	str("WEBTASKS_LOG_FORMAT", &cfg.Logging.Format)
	str("WEBTASKS_SEED_PASSWORD", &cfg.Storage.SeedPassword)

	if v := getenv("WEBTASKS_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, origin)
			}
		}
	}

	if v := getenv("WEBTASKS_TRUSTED_PROXIES"); v != "" {
		cfg.RateLimit.TrustedProxies = nil
		for _, proxy := range strings.Split(v, ",") {
			if proxy = strings.TrimSpace(proxy); proxy != "" {
				cfg.RateLimit.TrustedProxies = append(cfg.RateLimit.TrustedProxies, proxy)
			}
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WEBTASKS_ACCESS_TTL", &cfg.Auth.AccessTTL},
		{"WEBTASKS_RENEWAL_TTL", &cfg.Auth.RenewalTTL},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"WEBTASKS_GRPC_ENABLED", &cfg.GRPC.Enabled},
		{"WEBTASKS_COOKIE_SECURE", &cfg.Cookies.Secure},
		{"WEBTASKS_MASK_NOT_FOUND", &cfg.Authz.MaskNotFound},
		{"WEBTASKS_RATE_LIMIT", &cfg.RateLimit.Enabled},
		{"WEBTASKS_SEED", &cfg.Storage.Seed},
	}
	for _, b := range bools {
		if v := getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			*b.dst = parsed
		}
	}

	if v := getenv("WEBTASKS_BCRYPT_COST"); v != "" {
		cost, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBTASKS_BCRYPT_COST: %w", err)
		}
		cfg.Auth.BcryptCost = cost
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, "grpc.addr is required when grpc is enabled")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, "storage.postgres.dsn is required (set WEBTASKS_PG_DSN)")
		}
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, "storage.mongo.uri is required (set WEBTASKS_MONGO_URI)")
		}
		if c.Storage.Mongo.Database == "" {
			errs = append(errs, "storage.mongo.database is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be one of memory, postgres, mongo", c.Storage.Driver))
	}

	if c.Storage.Seed && c.Storage.SeedPassword == "" {
		errs = append(errs, "storage.seed_password is required when seeding (set WEBTASKS_SEED_PASSWORD)")
	}

	if c.Auth.AccessSecret == "" {
		errs = append(errs, "auth.access_secret is required (set WEBTASKS_ACCESS_SECRET)")
	}
	if c.Auth.RenewalSecret == "" {
		errs = append(errs, "auth.renewal_secret is required (set WEBTASKS_RENEWAL_SECRET)")
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RenewalSecret {
		errs = append(errs, "auth.access_secret and auth.renewal_secret must differ")
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, "auth.access_ttl must be positive")
	}
	if c.Auth.RenewalTTL <= 0 {
		errs = append(errs, "auth.renewal_ttl must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, "auth.bcrypt_cost must be between 4 and 31")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, "rate_limit.requests_per_second and rate_limit.burst must be positive")
	}
	for _, proxy := range c.RateLimit.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			errs = append(errs, fmt.Sprintf("rate_limit.trusted_proxies: %q is not an address or CIDR", proxy))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
