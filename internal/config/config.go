// ABOUTME: Configuration loading and parsing for the orchestrator
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // sweeper.timezone must resolve on minimal images

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "ORCHESTRATOR_CONFIG"

// Config represents the complete orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Backend   BackendConfig   `yaml:"backend" toml:"backend"`
	WhatsApp  MetaConfig      `yaml:"whatsapp" toml:"whatsapp"`
	Instagram MetaConfig      `yaml:"instagram" toml:"instagram"`
	Email     EmailConfig     `yaml:"email" toml:"email"`
	Sweeper   SweeperConfig   `yaml:"sweeper" toml:"sweeper"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig selects the directory/ledger backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration for /api routes
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BackendConfig points at the conversational backend
type BackendConfig struct {
	AskURL      string `yaml:"ask_url" toml:"ask_url"`
	APIKey      string `yaml:"api_key" toml:"api_key"`
	CoreBaseURL string `yaml:"core_base_url" toml:"core_base_url"`
	CoreAPIKey  string `yaml:"core_api_key" toml:"core_api_key"`

	AskTimeout      time.Duration `yaml:"-" toml:"-"`
	FeedbackTimeout time.Duration `yaml:"-" toml:"-"`

	AskTimeoutRaw      string `yaml:"ask_timeout" toml:"ask_timeout"`
	FeedbackTimeoutRaw string `yaml:"feedback_timeout" toml:"feedback_timeout"`
}

// FeedbackURL is the core API feedback endpoint.
func (b BackendConfig) FeedbackURL() string {
	if b.CoreBaseURL == "" {
		return ""
	}
	return strings.TrimRight(b.CoreBaseURL, "/") + "/api/chat/multichannel/feedback"
}

// MetaConfig configures a Meta-hosted chat channel (WhatsApp or Instagram)
type MetaConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	// AccountID is the WhatsApp phone number id or the Instagram account id.
	AccountID   string `yaml:"account_id" toml:"account_id"`
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	AppSecret   string `yaml:"app_secret" toml:"app_secret"`
	APIVersion  string `yaml:"api_version" toml:"api_version"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
}

// EmailConfig configures the email channel
type EmailConfig struct {
	// Provider selects the inbound poller and outbound transport: graph, imap or empty (disabled).
	Provider     string        `yaml:"provider" toml:"provider"`
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`

	IMAP  IMAPConfig  `yaml:"imap" toml:"imap"`
	SMTP  SMTPConfig  `yaml:"smtp" toml:"smtp"`
	Graph GraphConfig `yaml:"graph" toml:"graph"`
}

// IMAPConfig holds IMAP polling settings
type IMAPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	Mailbox  string `yaml:"mailbox" toml:"mailbox"`
	TLS      *bool  `yaml:"tls" toml:"tls"`
}

// UseTLS reports whether to dial with implicit TLS (default true).
func (c IMAPConfig) UseTLS() bool {
	return c.TLS == nil || *c.TLS
}

// SMTPConfig holds SMTP delivery settings
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
}

// GraphConfig holds Microsoft Graph app credentials and the mailbox to serve
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	Mailbox      string `yaml:"mailbox" toml:"mailbox"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
}

// SweeperConfig controls idle session closing
type SweeperConfig struct {
	Disabled  bool   `yaml:"disabled" toml:"disabled"`
	BatchSize int    `yaml:"batch_size" toml:"batch_size"`
	Timezone  string `yaml:"timezone" toml:"timezone"`

	Interval     time.Duration `yaml:"-" toml:"-"`
	InitialDelay time.Duration `yaml:"-" toml:"-"`
	IdleAfter    time.Duration `yaml:"-" toml:"-"`
	Pace         time.Duration `yaml:"-" toml:"-"`

	IntervalRaw     string `yaml:"interval" toml:"interval"`
	InitialDelayRaw string `yaml:"initial_delay" toml:"initial_delay"`
	IdleAfterRaw    string `yaml:"idle_after" toml:"idle_after"`
	PaceRaw         string `yaml:"pace" toml:"pace"`
}

// Location resolves Timezone. Empty means the process local zone.
func (s SweeperConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// DedupeConfig sizes the in-memory fast path in front of the ledger
type DedupeConfig struct {
	CacheSize int           `yaml:"cache_size" toml:"cache_size"`
	CacheTTL  time.Duration `yaml:"-" toml:"-"`

	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// EventsConfig configures lifecycle event publishing
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
	Producer string `yaml:"producer" toml:"producer"`
}

// ResolvePath picks the config file: the explicit flag value, then
// $ORCHESTRATOR_CONFIG, then $XDG_CONFIG_HOME/orchestrator/config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "orchestrator", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Email.PollInterval == 0 {
		c.Email.PollInterval = 5 * time.Second
	}
	if c.Email.BatchSize == 0 {
		c.Email.BatchSize = 10
	}
	if c.Email.IMAP.Port == 0 {
		c.Email.IMAP.Port = 993
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = time.Minute
	}
	if c.Sweeper.InitialDelay == 0 {
		c.Sweeper.InitialDelay = 5 * time.Second
	}
	if c.Sweeper.IdleAfter == 0 {
		c.Sweeper.IdleAfter = 15 * time.Minute
	}
	if c.Sweeper.BatchSize == 0 {
		c.Sweeper.BatchSize = 50
	}
	if c.Sweeper.Pace == 0 {
		c.Sweeper.Pace = time.Second
	}
	if c.Dedupe.CacheTTL == 0 {
		c.Dedupe.CacheTTL = 10 * time.Minute
	}
	if c.Dedupe.CacheSize == 0 {
		c.Dedupe.CacheSize = 1000
	}
	if c.Events.Producer == "" {
		c.Events.Producer = "orchestrator"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Backend.AskURL == "" {
		return fmt.Errorf("backend.ask_url is required")
	}
	if err := validateURL("backend.ask_url", c.Backend.AskURL); err != nil {
		return err
	}
	if c.Backend.CoreBaseURL != "" {
		if err := validateURL("backend.core_base_url", c.Backend.CoreBaseURL); err != nil {
			return err
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	for name, m := range map[string]MetaConfig{"whatsapp": c.WhatsApp, "instagram": c.Instagram} {
		if !m.Enabled {
			continue
		}
		if m.AccessToken == "" || m.AccountID == "" {
			return fmt.Errorf("%s.access_token and %s.account_id are required when enabled", name, name)
		}
	}

	switch c.Email.Provider {
	case "":
	case "graph":
		g := c.Email.Graph
		if g.TenantID == "" || g.ClientID == "" || g.ClientSecret == "" || g.Mailbox == "" {
			return fmt.Errorf("email.graph tenant_id, client_id, client_secret and mailbox are required for the graph provider")
		}
	case "imap":
		if c.Email.IMAP.Host == "" || c.Email.IMAP.Username == "" {
			return fmt.Errorf("email.imap.host and email.imap.username are required for the imap provider")
		}
		if c.Email.SMTP.Host == "" || c.Email.SMTP.From == "" {
			return fmt.Errorf("email.smtp.host and email.smtp.from are required for the imap provider")
		}
	default:
		return fmt.Errorf("email.provider must be graph or imap, got %q", c.Email.Provider)
	}

	if _, err := c.Sweeper.Location(); err != nil {
		return fmt.Errorf("sweeper.timezone: %w", err)
	}

	if c.Events.Enabled && (c.Events.URL == "" || c.Events.Exchange == "") {
		return fmt.Errorf("events.url and events.exchange are required when events are enabled")
	}

	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", name)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"backend.ask_timeout", cfg.Backend.AskTimeoutRaw, &cfg.Backend.AskTimeout},
		{"backend.feedback_timeout", cfg.Backend.FeedbackTimeoutRaw, &cfg.Backend.FeedbackTimeout},
		{"email.poll_interval", cfg.Email.PollIntervalRaw, &cfg.Email.PollInterval},
		{"sweeper.interval", cfg.Sweeper.IntervalRaw, &cfg.Sweeper.Interval},
		{"sweeper.initial_delay", cfg.Sweeper.InitialDelayRaw, &cfg.Sweeper.InitialDelay},
		{"sweeper.idle_after", cfg.Sweeper.IdleAfterRaw, &cfg.Sweeper.IdleAfter},
		{"sweeper.pace", cfg.Sweeper.PaceRaw, &cfg.Sweeper.Pace},
		{"dedupe.cache_ttl", cfg.Dedupe.CacheTTLRaw, &cfg.Dedupe.CacheTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
