package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/featuregate/config"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090

database:
  driver: "sqlite"
  dsn: ":memory:"

cache:
  session_ttl: 10m
  invalidate_on_admin_change: true

features:
  - key: "sales_module"
    description: "Sales pipeline"
    default: false
    plan_access:
      pro: true
      free: false

tenants:
  - id: "acme"
    plan: "pro"
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Cache.SessionTTL != 10*time.Minute {
		t.Errorf("SessionTTL = %v, want 10m", cfg.Cache.SessionTTL)
	}
	if !cfg.Cache.InvalidateOnAdminChange {
		t.Error("InvalidateOnAdminChange should be true")
	}
	if len(cfg.Features) != 1 {
		t.Fatalf("len(Features) = %d, want 1", len(cfg.Features))
	}

	flags := cfg.Flags()
	if flags[0].Key != "sales_module" || flags[0].DefaultEnabled {
		t.Errorf("flag = %+v", flags[0])
	}
	if !flags[0].PlanAccess["pro"] || flags[0].PlanAccess["free"] {
		t.Errorf("PlanAccess = %v", flags[0].PlanAccess)
	}

	tenants := cfg.TenantList()
	if len(tenants) != 1 || tenants[0].ID != "acme" || tenants[0].Plan != "pro" {
		t.Errorf("tenants = %+v", tenants)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "features: []\n")

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Host = %s, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("default RequestTimeout = %v, want 30s", cfg.Server.RequestTimeout)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default Driver = %s, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "featuregate.db" {
		t.Errorf("default DSN = %s, want featuregate.db", cfg.Database.DSN)
	}
	if cfg.Cache.SessionTTL != 30*time.Minute {
		t.Errorf("default SessionTTL = %v, want 30m", cfg.Cache.SessionTTL)
	}
	if cfg.Cache.SweepInterval != time.Minute {
		t.Errorf("default SweepInterval = %v, want 1m", cfg.Cache.SweepInterval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %s, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_FEATUREGATE_DSN", "/tmp/expanded.db")

	cfg := writeAndLoad(t, `
database:
  dsn: "${TEST_FEATUREGATE_DSN}"
`)

	if cfg.Database.DSN != "/tmp/expanded.db" {
		t.Errorf("DSN = %s, want /tmp/expanded.db", cfg.Database.DSN)
	}
}

func TestLoad_BcryptHashFromFile(t *testing.T) {
	const hash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
	t.Setenv("TEST_FEATUREGATE_DSN", "/tmp/expanded.db")

	cfg := writeAndLoad(t, `
database:
  dsn: "${TEST_FEATUREGATE_DSN}"
admin:
  token_hash: "`+hash+`"
`)

	if cfg.Admin.TokenHash != hash {
		t.Errorf("token_hash = %q, want %q", cfg.Admin.TokenHash, hash)
	}
	if cfg.Database.DSN != "/tmp/expanded.db" {
		t.Errorf("DSN = %s, want /tmp/expanded.db", cfg.Database.DSN)
	}
}

func TestLoad_EnvExpansionLeavesBareDollar(t *testing.T) {
	t.Setenv("TEST_FEATUREGATE_DESC", "expanded")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced reference", "${TEST_FEATUREGATE_DESC}", "expanded"},
		{"bare dollar name", "$TEST_FEATUREGATE_DESC", "$TEST_FEATUREGATE_DESC"},
		{"unset reference", "${TEST_FEATUREGATE_UNSET}", ""},
		{"price text", "costs $5", "costs $5"},
		{"mixed", "a-${TEST_FEATUREGATE_DESC}-$2a$10", "a-expanded-$2a$10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeAndLoad(t, `
features:
  - key: reports
    description: "`+tt.in+`"
`)
			if got := cfg.Features[0].Description; got != tt.want {
				t.Errorf("description = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown driver",
			content: "database:\n  driver: mysql\n",
			wantErr: "database.driver",
		},
		{
			name:    "postgres without dsn",
			content: "database:\n  driver: postgres\n",
			wantErr: "database.dsn",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			content: "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "port out of range",
			content: "server:\n  port: 70000\n",
			wantErr: "server.port",
		},
		{
			name:    "negative ttl",
			content: "cache:\n  session_ttl: -1m\n",
			wantErr: "cache durations",
		},
		{
			name:    "bad feature key",
			content: "features:\n  - key: \"Sales Module\"\n",
			wantErr: "features[0]",
		},
		{
			name:    "duplicate feature key",
			content: "features:\n  - key: a\n  - key: a\n",
			wantErr: "duplicate key",
		},
		{
			name:    "tenant without plan",
			content: "tenants:\n  - id: acme\n",
			wantErr: "tenants[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeAndLoadErr(t, tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_PostgresWithDSN(t *testing.T) {
	cfg := writeAndLoad(t, `
database:
  driver: postgres
  dsn: "postgres://localhost/featuregate"
  max_conns: 12
`)

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %s, want postgres", cfg.Database.Driver)
	}
	if cfg.Database.MaxConns != 12 {
		t.Errorf("MaxConns = %d, want 12", cfg.Database.MaxConns)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEATUREGATE_DATABASE_DRIVER", "memory")
	t.Setenv("FEATUREGATE_SERVER_PORT", "9191")
	t.Setenv("FEATUREGATE_ADMIN_TOKEN_HASH", "$2a$10$hash")
	t.Setenv("FEATUREGATE_CACHE_SESSION_TTL", "5m")
	t.Setenv("FEATUREGATE_CACHE_INVALIDATE", "true")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Database.Driver != "memory" {
		t.Errorf("Driver = %s, want memory", cfg.Database.Driver)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Admin.TokenHash != "$2a$10$hash" {
		t.Errorf("TokenHash = %s", cfg.Admin.TokenHash)
	}
	if cfg.Cache.SessionTTL != 5*time.Minute {
		t.Errorf("SessionTTL = %v, want 5m", cfg.Cache.SessionTTL)
	}
	if !cfg.Cache.InvalidateOnAdminChange {
		t.Error("InvalidateOnAdminChange should be true")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("FEATUREGATE_SERVER_PORT", "7070")
	t.Setenv("FEATUREGATE_LOG_LEVEL", "debug")
	t.Setenv("FEATUREGATE_LOG_FORMAT", "console")

	cfg := writeAndLoad(t, `
server:
  port: 9090
logging:
  level: warn
`)

	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070 (env override)", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %s, want debug (env override)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Format = %s, want console", cfg.Logging.Format)
	}
}

func TestEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("FEATUREGATE_SERVER_PORT", "not-a-port")
	t.Setenv("FEATUREGATE_SERVER_READ_TIMEOUT", "soon")
	t.Setenv("FEATUREGATE_CACHE_SESSION_TTL", "forever")

	cfg := writeAndLoad(t, "server:\n  port: 9090\n")

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want default 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Cache.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %v, want default 30m", cfg.Cache.SessionTTL)
	}
}

func TestEnvOverrides_MetricsAndOpenAPI(t *testing.T) {
	t.Setenv("FEATUREGATE_METRICS_ENABLED", "yes")
	t.Setenv("FEATUREGATE_METRICS_PATH", "/internal/metrics")
	t.Setenv("FEATUREGATE_OPENAPI_ENABLED", "1")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/internal/metrics" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if !cfg.OpenAPI.Enabled {
		t.Error("OpenAPI should be enabled")
	}
}

func TestLoadWithFallback_FileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "featuregate.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999 (from file)", cfg.Server.Port)
	}
}

func TestLoadWithFallback_EnvOnly(t *testing.T) {
	t.Setenv("FEATUREGATE_SERVER_PORT", "8181")

	cfg, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("Port = %d, want 8181", cfg.Server.Port)
	}
}

func TestLoadWithFallback_EmptyPath(t *testing.T) {
	cfg, err := config.LoadWithFallback("")
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %s, want sqlite", cfg.Database.Driver)
	}
}

func TestParseBoolValues(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"off", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("FEATUREGATE_METRICS_ENABLED", tt.value)

			cfg, err := config.LoadFromEnv()
			if err != nil {
				t.Fatalf("LoadFromEnv error: %v", err)
			}
			if cfg.Metrics.Enabled != tt.expected {
				t.Errorf("value=%q: Metrics.Enabled = %v, want %v", tt.value, cfg.Metrics.Enabled, tt.expected)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := writeAndLoadErr(t, "features: [\n")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/featuregate.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return config.Load(path)
}
