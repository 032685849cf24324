// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/feature"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Admin    AdminConfig     `yaml:"admin"`
	Cache    CacheConfig     `yaml:"cache"`
	Features []FeatureConfig `yaml:"features"`
	Tenants  []TenantConfig  `yaml:"tenants"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	OpenAPI  OpenAPIConfig   `yaml:"openapi"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns,omitempty"` // postgres pool size
}

// AdminConfig configures the admin API.
// The admin API is disabled when TokenHash is empty.
type AdminConfig struct {
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the bearer token
}

// CacheConfig configures resolution sessions.
type CacheConfig struct {
	SessionTTL              time.Duration `yaml:"session_ttl"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	InvalidateOnAdminChange bool          `yaml:"invalidate_on_admin_change"`
}

// FeatureConfig seeds a feature flag at startup and on reload.
type FeatureConfig struct {
	Key         string          `yaml:"key"`
	Description string          `yaml:"description,omitempty"`
	Default     bool            `yaml:"default"`
	PlanAccess  map[string]bool `yaml:"plan_access,omitempty"`
}

// TenantConfig seeds a tenant directory entry.
type TenantConfig struct {
	ID   string `yaml:"id"`
	Plan string `yaml:"plan"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// OpenAPIConfig configures OpenAPI/Swagger documentation.
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"` // Enable OpenAPI endpoints
}

// Flags converts the seeded features to domain flags.
func (c *Config) Flags() []feature.Flag {
	flags := make([]feature.Flag, 0, len(c.Features))
	for _, f := range c.Features {
		flags = append(flags, feature.Flag{
			Key:            f.Key,
			Description:    f.Description,
			DefaultEnabled: f.Default,
			PlanAccess:     f.PlanAccess,
		})
	}
	return flags
}

// TenantList converts the seeded tenants to domain tenants.
func (c *Config) TenantList() []entitlement.Tenant {
	tenants := make([]entitlement.Tenant, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		tenants = append(tenants, entitlement.Tenant{ID: t.ID, Plan: t.Plan})
	}
	return tenants
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = expandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// envRef matches ${VAR}. A bare $ is left alone so bcrypt hashes survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with their environment values.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	FEATUREGATE_DATABASE_DRIVER      - sqlite, postgres or memory (default: sqlite)
//	FEATUREGATE_DATABASE_DSN         - Database path or URL (default: featuregate.db)
//	FEATUREGATE_SERVER_HOST          - Server host (default: 0.0.0.0)
//	FEATUREGATE_SERVER_PORT          - Server port (default: 8080)
//	FEATUREGATE_ADMIN_TOKEN_HASH     - bcrypt hash of the admin bearer token
//	FEATUREGATE_CACHE_SESSION_TTL    - Idle session lifetime (default: 30m)
//	FEATUREGATE_CACHE_INVALIDATE     - Drop session caches on admin changes
//	FEATUREGATE_LOG_LEVEL            - Log level: debug, info, warn, error (default: info)
//	FEATUREGATE_LOG_FORMAT           - Log format: json or console (default: json)
//	FEATUREGATE_METRICS_ENABLED      - Enable /metrics endpoint
//	FEATUREGATE_OPENAPI_ENABLED      - Enable OpenAPI/Swagger
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads the file when it exists and falls back to
// environment variables otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies FEATUREGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("FEATUREGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FEATUREGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FEATUREGATE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("FEATUREGATE_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("FEATUREGATE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FEATUREGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Admin configuration
	if v := os.Getenv("FEATUREGATE_ADMIN_TOKEN_HASH"); v != "" {
		cfg.Admin.TokenHash = v
	}

	// Cache configuration
	if v := os.Getenv("FEATUREGATE_CACHE_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SessionTTL = d
		}
	}
	if v := os.Getenv("FEATUREGATE_CACHE_INVALIDATE"); v != "" {
		cfg.Cache.InvalidateOnAdminChange = parseBool(v)
	}

	// Logging configuration
	if v := os.Getenv("FEATUREGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FEATUREGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("FEATUREGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("FEATUREGATE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}

	// OpenAPI configuration
	if v := os.Getenv("FEATUREGATE_OPENAPI_ENABLED"); v != "" {
		cfg.OpenAPI.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "featuregate.db"
	}

	if cfg.Cache.SessionTTL == 0 {
		cfg.Cache.SessionTTL = 30 * time.Minute
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite', 'postgres' or 'memory', got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Cache.SessionTTL < 0 || cfg.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Features))
	for i, f := range cfg.Features {
		if err := feature.ValidateKey(f.Key); err != nil {
			return fmt.Errorf("features[%d]: %w", i, err)
		}
		if seen[f.Key] {
			return fmt.Errorf("features[%d]: duplicate key %q", i, f.Key)
		}
		seen[f.Key] = true
	}

	for i, t := range cfg.Tenants {
		if t.ID == "" || t.Plan == "" {
			return fmt.Errorf("tenants[%d]: id and plan are required", i)
		}
	}

	return nil
}
