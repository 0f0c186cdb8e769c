// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  http_addr: "0.0.0.0:8080"
  shutdown_timeout: "15s"

database:
  driver: "sqlite"
  path: "./orchestrator.db"

backend:
  ask_url: "http://backend:8000/api/chat/multichannel/ask"
  api_key: "ask-key"
  core_base_url: "http://core:8000/"
  core_api_key: "core-key"
  ask_timeout: "90s"

whatsapp:
  enabled: true
  access_token: "wa-token"
  account_id: "1234567890"
  verify_token: "wa-verify"
  app_secret: "wa-secret"

instagram:
  enabled: false

email:
  provider: "graph"
  poll_interval: "10s"
  graph:
    tenant_id: "tenant"
    client_id: "client"
    client_secret: "secret"
    mailbox: "helpdesk@bkpm.go.id"

sweeper:
  interval: "30s"
  idle_after: "20m"
  batch_size: 25
  timezone: "Asia/Jakarta"

dedupe:
  cache_ttl: "5m"
  cache_size: 500

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Path != "./orchestrator.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Backend.AskTimeout != 90*time.Second {
		t.Errorf("Backend.AskTimeout = %v, want 90s", cfg.Backend.AskTimeout)
	}
	if got := cfg.Backend.FeedbackURL(); got != "http://core:8000/api/chat/multichannel/feedback" {
		t.Errorf("Backend.FeedbackURL() = %q", got)
	}
	if !cfg.WhatsApp.Enabled || cfg.WhatsApp.AccountID != "1234567890" {
		t.Errorf("WhatsApp = %+v", cfg.WhatsApp)
	}
	if cfg.Email.Provider != "graph" || cfg.Email.Graph.Mailbox != "helpdesk@bkpm.go.id" {
		t.Errorf("Email = %+v", cfg.Email)
	}
	if cfg.Email.PollInterval != 10*time.Second {
		t.Errorf("Email.PollInterval = %v, want 10s", cfg.Email.PollInterval)
	}
	if cfg.Sweeper.Interval != 30*time.Second || cfg.Sweeper.IdleAfter != 20*time.Minute || cfg.Sweeper.BatchSize != 25 {
		t.Errorf("Sweeper = %+v", cfg.Sweeper)
	}
	loc, err := cfg.Sweeper.Location()
	if err != nil || loc.String() != "Asia/Jakarta" {
		t.Errorf("Sweeper.Location() = %v, %v", loc, err)
	}
	if cfg.Dedupe.CacheTTL != 5*time.Minute || cfg.Dedupe.CacheSize != 500 {
		t.Errorf("Dedupe = %+v", cfg.Dedupe)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
backend:
  ask_url: "http://backend/ask"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Sweeper.Interval != time.Minute || cfg.Sweeper.IdleAfter != 15*time.Minute || cfg.Sweeper.InitialDelay != 5*time.Second {
		t.Errorf("Sweeper defaults = %+v", cfg.Sweeper)
	}
	if cfg.Sweeper.BatchSize != 50 || cfg.Sweeper.Pace != time.Second {
		t.Errorf("Sweeper defaults = %+v", cfg.Sweeper)
	}
	if cfg.Email.PollInterval != 5*time.Second || cfg.Email.BatchSize != 10 {
		t.Errorf("Email defaults = %+v", cfg.Email)
	}
	if !cfg.Email.IMAP.UseTLS() {
		t.Error("IMAP TLS should default to on")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
	if cfg.Backend.FeedbackURL() != "" {
		t.Errorf("FeedbackURL() without core_base_url = %q, want empty", cfg.Backend.FeedbackURL())
	}
	if cfg.Events.Producer != "orchestrator" {
		t.Errorf("Events.Producer = %q", cfg.Events.Producer)
	}
	if cfg.Dedupe.CacheSize != 1000 {
		t.Errorf("Dedupe.CacheSize = %d, want 1000", cfg.Dedupe.CacheSize)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_DSN", "postgres://u:p@db/orchestrator?sslmode=disable")

	cfg, err := Load(writeConfig(t, "config.toml", `
[server]
http_addr = ":9090"

[database]
driver = "postgres"
dsn = "${TEST_DSN}"

[backend]
ask_url = "https://backend.example/ask"

[email]
provider = "imap"

[email.imap]
host = "imap.gmail.com"
username = "helpdesk@example.com"
password = "app-password"
tls = false

[email.smtp]
host = "smtp.gmail.com"
from = "helpdesk@example.com"

[sweeper]
idle_after = "10m"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.DSN != "postgres://u:p@db/orchestrator?sslmode=disable" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Email.IMAP.UseTLS() {
		t.Error("IMAP TLS should be off")
	}
	if cfg.Email.SMTP.Port != 587 {
		t.Errorf("SMTP.Port = %d, want 587", cfg.Email.SMTP.Port)
	}
	if cfg.Sweeper.IdleAfter != 10*time.Minute {
		t.Errorf("Sweeper.IdleAfter = %v", cfg.Sweeper.IdleAfter)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_WA_TOKEN", "wa-from-env")
	t.Setenv("TEST_JWT_SECRET", strings.Repeat("s", 32))

	cfg, err := Load(writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
backend:
  ask_url: "http://backend/ask"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
whatsapp:
  enabled: true
  access_token: "${TEST_WA_TOKEN}"
  account_id: "123"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WhatsApp.AccessToken != "wa-from-env" {
		t.Errorf("WhatsApp.AccessToken = %q, want %q", cfg.WhatsApp.AccessToken, "wa-from-env")
	}
	if cfg.Auth.JWTSecret != strings.Repeat("s", 32) {
		t.Errorf("Auth.JWTSecret not expanded")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", "server:\n  http_addr: [unclosed\n"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
backend:
  ask_url: "http://backend/ask"
sweeper:
  idle_after: "fifteen minutes"
`))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "sweeper.idle_after") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR_FOR_TEST}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func validConfig() Config {
	cfg := Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "x.db"},
		Backend:  BackendConfig{AskURL: "http://backend/ask"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing http addr", mutate: func(c *Config) { c.Server.HTTPAddr = "" }, wantErr: "server.http_addr"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErr: "database.dsn"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "database.driver"},
		{name: "missing ask url", mutate: func(c *Config) { c.Backend.AskURL = "" }, wantErr: "backend.ask_url"},
		{name: "ask url scheme", mutate: func(c *Config) { c.Backend.AskURL = "ftp://backend" }, wantErr: "http or https"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "jwt_secret"},
		{name: "whatsapp without token", mutate: func(c *Config) { c.WhatsApp.Enabled = true }, wantErr: "whatsapp.access_token"},
		{name: "graph without credentials", mutate: func(c *Config) { c.Email.Provider = "graph" }, wantErr: "email.graph"},
		{name: "imap without smtp", mutate: func(c *Config) {
			c.Email.Provider = "imap"
			c.Email.IMAP.Host = "imap.example.com"
			c.Email.IMAP.Username = "u"
		}, wantErr: "email.smtp"},
		{name: "unknown provider", mutate: func(c *Config) { c.Email.Provider = "pop3" }, wantErr: "email.provider"},
		{name: "bad timezone", mutate: func(c *Config) { c.Sweeper.Timezone = "Mars/Olympus" }, wantErr: "sweeper.timezone"},
		{name: "events without url", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: "events.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if got := ResolvePath("/explicit.yaml"); got != "/explicit.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
	if got := ResolvePath(""); got != "/xdg/orchestrator/config.yaml" {
		t.Errorf("ResolvePath(xdg) = %q", got)
	}

	t.Setenv(EnvConfigPath, "/env.toml")
	if got := ResolvePath(""); got != "/env.toml" {
		t.Errorf("ResolvePath(env) = %q", got)
	}
}
