// ABOUTME: Configuration loading and parsing for the headspace gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete headspace gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Locks       LocksConfig       `yaml:"locks" toml:"locks"`
	Correlation CorrelationConfig `yaml:"correlation" toml:"correlation"`
	Reaper      ReaperConfig      `yaml:"reaper" toml:"reaper"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler" toml:"reconciler"`
	Poller      PollerConfig      `yaml:"poller" toml:"poller"`
	Watchdog    WatchdogConfig    `yaml:"watchdog" toml:"watchdog"`
	Summary     SummaryConfig     `yaml:"summary" toml:"summary"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig selects the persistence driver.
// Postgres is the production driver; sqlite is a single-host fallback.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver"`
	DSN      string `yaml:"dsn" toml:"dsn"`   // postgres connection string
	Path     string `yaml:"path" toml:"path"` // sqlite file path
	MaxConns int32  `yaml:"max_conns" toml:"max_conns"`
}

// AuthConfig holds authentication configuration for operator endpoints
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LocksConfig controls advisory lock acquisition
type LocksConfig struct {
	HookTimeout time.Duration `yaml:"-" toml:"-"`
	StaleAfter  time.Duration `yaml:"-" toml:"-"`
	MaxWaiters  int           `yaml:"max_waiters" toml:"max_waiters"`

	HookTimeoutRaw string `yaml:"hook_timeout" toml:"hook_timeout"`
	StaleAfterRaw  string `yaml:"stale_after" toml:"stale_after"`
}

// CorrelationConfig controls the in-process session cache
type CorrelationConfig struct {
	CacheTTL  time.Duration `yaml:"-" toml:"-"`
	CacheSize int           `yaml:"cache_size" toml:"cache_size"`

	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// ReaperConfig controls the inactive-agent reaper
type ReaperConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	Interval          time.Duration `yaml:"-" toml:"-"`
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`

	IntervalRaw          string `yaml:"interval" toml:"interval"`
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
}

// ReconcilerConfig controls transcript reconciliation
type ReconcilerConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Watch    bool          `yaml:"watch" toml:"watch"` // fsnotify-triggered passes
	Interval time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// PollerConfig controls the tmux context poller
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Interval time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// WatchdogConfig controls the tmux pane watchdog
type WatchdogConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Interval time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// SummaryConfig sizes the post-commit summarisation worker pool
type SummaryConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
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

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero values with the gateway defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Locks.HookTimeout == 0 {
		c.Locks.HookTimeout = 5 * time.Second
	}
	if c.Locks.StaleAfter == 0 {
		c.Locks.StaleAfter = 10 * time.Minute
	}
	if c.Locks.MaxWaiters == 0 {
		c.Locks.MaxWaiters = 32
	}
	if c.Correlation.CacheTTL == 0 {
		c.Correlation.CacheTTL = 10 * time.Minute
	}
	if c.Correlation.CacheSize == 0 {
		c.Correlation.CacheSize = 10_000
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Reaper.InactivityTimeout == 0 {
		c.Reaper.InactivityTimeout = 4 * time.Hour
	}
	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = 30 * time.Second
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 15 * time.Second
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = 30 * time.Second
	}
	if c.Summary.Workers == 0 {
		c.Summary.Workers = 2
	}
	if c.Summary.QueueSize == 0 {
		c.Summary.QueueSize = 256
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (use postgres or sqlite)", c.Database.Driver)
	}

	if c.Locks.MaxWaiters < 0 {
		return fmt.Errorf("locks.max_waiters must not be negative")
	}
	if c.Summary.Workers < 0 || c.Summary.QueueSize < 0 {
		return fmt.Errorf("summary.workers and summary.queue_size must not be negative")
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"locks.hook_timeout", cfg.Locks.HookTimeoutRaw, &cfg.Locks.HookTimeout},
		{"locks.stale_after", cfg.Locks.StaleAfterRaw, &cfg.Locks.StaleAfter},
		{"correlation.cache_ttl", cfg.Correlation.CacheTTLRaw, &cfg.Correlation.CacheTTL},
		{"reaper.interval", cfg.Reaper.IntervalRaw, &cfg.Reaper.Interval},
		{"reaper.inactivity_timeout", cfg.Reaper.InactivityTimeoutRaw, &cfg.Reaper.InactivityTimeout},
		{"reconciler.interval", cfg.Reconciler.IntervalRaw, &cfg.Reconciler.Interval},
		{"poller.interval", cfg.Poller.IntervalRaw, &cfg.Poller.Interval},
		{"watchdog.interval", cfg.Watchdog.IntervalRaw, &cfg.Watchdog.Interval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
