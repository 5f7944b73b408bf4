package stash

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ghstash/backoff"
	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/tablename"
)

// Config holds all ghstash configuration.
type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	Retry    backoff.Policy `yaml:"retry"`
	Database DatabaseConfig `yaml:"database"`
	Tables   TablesConfig   `yaml:"tables"`
	Search   SearchConfig   `yaml:"search"`
	HTTP     HTTPConfig     `yaml:"http"`
	LogLevel string         `yaml:"log_level"`
}

// GitHubConfig controls the search client.
type GitHubConfig struct {
	Token     string        `yaml:"token"`
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`

	// MaxQueryLength bounds the search expression.
	MaxQueryLength int `yaml:"max_query_length"`

	// RequestsPerMinute paces requests client-side. 0 disables pacing.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// RateLimitHorizon is the longest rate-limit reset worth waiting for.
	// Zero uses the retry policy's max delay.
	RateLimitHorizon time.Duration `yaml:"rate_limit_horizon"`

	// SkipCredentialCheck disables the GET /user check before the first run.
	SkipCredentialCheck bool `yaml:"skip_credential_check"`
}

// DatabaseConfig controls the persistence layer.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	Trace           bool          `yaml:"trace"`
}

// TablesConfig controls run table naming.
type TablesConfig struct {
	Prefix string `yaml:"prefix"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	// PerPage is clamped into [1, 100] by the client.
	PerPage int `yaml:"per_page"`
}

// HTTPConfig controls the optional HTTP API.
type HTTPConfig struct {
	Addr         string `yaml:"addr"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{Retry: backoff.DefaultPolicy()}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = ghsearch.DefaultBaseURL
	}
	if c.GitHub.UserAgent == "" {
		c.GitHub.UserAgent = ghsearch.DefaultUserAgent
	}
	if c.GitHub.Timeout <= 0 {
		c.GitHub.Timeout = 30 * time.Second
	}
	if c.GitHub.MaxQueryLength <= 0 {
		c.GitHub.MaxQueryLength = ghsearch.DefaultMaxQueryLength
	}
	if c.Retry == (backoff.Policy{}) {
		c.Retry = backoff.DefaultPolicy()
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "ghstash.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.AcquireTimeout <= 0 {
		c.Database.AcquireTimeout = 5 * time.Second
	}
	if c.Tables.Prefix == "" {
		c.Tables.Prefix = tablename.DefaultPrefix
	}
	if c.Search.PerPage <= 0 {
		c.Search.PerPage = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// LoadConfigFile reads a YAML config file. Keys absent from the file keep
// their default value.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("stash: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// ApplyEnv overrides the configuration from GITHUB_TOKEN, DATABASE_URL and
// GHSTASH_LOG_LEVEL. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("GHSTASH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// ErrInvalidConfig wraps every configuration problem reported by Validate.
var ErrInvalidConfig = errors.New("stash: invalid configuration")

// Validate reports the first problem preventing a run.
func (c *Config) Validate() error {
	c.defaults()
	switch {
	case strings.TrimSpace(c.GitHub.Token) == "":
		return fmt.Errorf("%w: GitHub token missing (set GITHUB_TOKEN)", ErrInvalidConfig)
	case !tablename.ValidPrefix(c.Tables.Prefix):
		return fmt.Errorf("%w: table prefix %q must match ^[a-z][a-z0-9]*$", ErrInvalidConfig, c.Tables.Prefix)
	case c.HTTP.Username != "" && c.HTTP.PasswordHash == "":
		return fmt.Errorf("%w: http.password_hash required with http.username", ErrInvalidConfig)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HTTP.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.HTTP.PasswordHash)); err != nil {
			return fmt.Errorf("%w: http.password_hash is not a bcrypt hash: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}
