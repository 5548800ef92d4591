// ABOUTME: Configuration loading and parsing for deepbot
// ABOUTME: Reads YAML or TOML with environment variable expansion, defaults and validation

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/deepbot/internal/generation"
)

// Backend kinds.
const (
	BackendEcho = "echo"
	BackendHTTP = "http"
)

// EchoEnvVar forces the echo backend when set to a true value.
const EchoEnvVar = "USE_ECHO_BACKEND"

// Config represents the complete deepbot configuration.
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Backend   BackendConfig   `yaml:"backend" toml:"backend"`
	Sampling  SamplingConfig  `yaml:"sampling" toml:"sampling"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
	Prompt    PromptConfig    `yaml:"prompt" toml:"prompt"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// MatrixConfig holds the chat gateway connection.
type MatrixConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	Homeserver      string   `yaml:"homeserver" toml:"homeserver"`
	UserID          string   `yaml:"user_id" toml:"user_id"`
	AccessToken     string   `yaml:"access_token" toml:"access_token"`
	DisplayName     string   `yaml:"display_name" toml:"display_name"`
	AllowedRooms    []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	Encryption      bool     `yaml:"encryption" toml:"encryption"`
	RecoveryKey     string   `yaml:"recovery_key" toml:"recovery_key"`
	DataDir         string   `yaml:"data_dir" toml:"data_dir"`
	TypingIndicator bool     `yaml:"typing_indicator" toml:"typing_indicator"`
}

// BackendConfig selects and configures the generation backend.
type BackendConfig struct {
	Kind    string        `yaml:"kind" toml:"kind"`
	URL     string        `yaml:"url" toml:"url"`
	Model   string        `yaml:"model" toml:"model"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Stream  bool          `yaml:"stream" toml:"stream"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// SamplingConfig holds sampling parameters. Unset values take the defaults
// of generation.DefaultSampling.
type SamplingConfig struct {
	Temperature      *float64 `yaml:"temperature" toml:"temperature"`
	TopP             *float64 `yaml:"top_p" toml:"top_p"`
	PresencePenalty  *float64 `yaml:"presence_penalty" toml:"presence_penalty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty" toml:"frequency_penalty"`
	MaxTokens        *int     `yaml:"max_tokens" toml:"max_tokens"`
	Seed             *int     `yaml:"seed" toml:"seed"`
}

// HistoryConfig bounds per-channel history and reconciliation.
type HistoryConfig struct {
	MaxHistory         int     `yaml:"max_history" toml:"max_history"`
	FetchLimit         int     `yaml:"history_fetch_limit" toml:"history_fetch_limit"`
	MaxResponseLines   int     `yaml:"max_response_lines" toml:"max_response_lines"`
	StartupConcurrency int     `yaml:"startup_concurrency" toml:"startup_concurrency"`
	FetchRate          float64 `yaml:"fetch_rate" toml:"fetch_rate"`
	FetchBurst         int     `yaml:"fetch_burst" toml:"fetch_burst"`
}

// PromptConfig locates the default system prompt.
type PromptConfig struct {
	Path     string `yaml:"path" toml:"path"`
	Watch    bool   `yaml:"watch" toml:"watch"`
	MaxLines int    `yaml:"max_lines" toml:"max_lines"`
}

// ServerConfig holds the operations API address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds operations API authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DatabaseConfig holds the ledger location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DedupeConfig bounds the redelivered-event filter.
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ConfigurationError reports an invalid or missing setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes, completes and validates configuration bytes.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Backend.TimeoutRaw != "" {
		cfg.Backend.Timeout, err = time.ParseDuration(cfg.Backend.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing backend.timeout %q: %w", cfg.Backend.TimeoutRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe.ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendEcho
		if c.Backend.URL != "" {
			c.Backend.Kind = BackendHTTP
		}
	}
	c.Backend.Kind = strings.ToLower(c.Backend.Kind)
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 2 * time.Minute
	}

	if c.History.MaxHistory == 0 {
		c.History.MaxHistory = 10
	}
	if c.History.FetchLimit == 0 {
		c.History.FetchLimit = 50
	}
	if c.History.MaxResponseLines == 0 {
		c.History.MaxResponseLines = 10
	}
	if c.History.StartupConcurrency == 0 {
		c.History.StartupConcurrency = 4
	}
	if c.History.FetchRate == 0 {
		c.History.FetchRate = 5
	}
	if c.History.FetchBurst == 0 {
		c.History.FetchBurst = 5
	}

	if c.Prompt.MaxLines == 0 {
		c.Prompt.MaxLines = 60
	}

	if c.Matrix.DataDir == "" {
		c.Matrix.DataDir = DefaultDataDir()
	}

	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 10000
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
}

func (c *Config) applyEnvOverrides() {
	switch strings.ToLower(os.Getenv(EchoEnvVar)) {
	case "1", "true", "yes", "on":
		c.Backend.Kind = BackendEcho
	}
}

// Validate checks that all required configuration fields are present and
// valid. It returns a *ConfigurationError for the first failure found.
func (c *Config) Validate() error {
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return invalid("matrix.homeserver", "is required when matrix is enabled")
		}
		if u, err := url.Parse(c.Matrix.Homeserver); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("matrix.homeserver", "is not a valid URL")
		}
		if c.Matrix.UserID == "" {
			return invalid("matrix.user_id", "is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return invalid("matrix.access_token", "is required when matrix is enabled")
		}
	}

	switch c.Backend.Kind {
	case BackendEcho:
	case BackendHTTP:
		if c.Backend.URL == "" {
			return invalid("backend.url", "is required for the http backend")
		}
		u, err := url.Parse(c.Backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("backend.url", "must be an http or https URL")
		}
	default:
		return invalid("backend.kind", fmt.Sprintf("must be %q or %q, got %q", BackendEcho, BackendHTTP, c.Backend.Kind))
	}

	if c.History.MaxHistory < 1 {
		return invalid("history.max_history", "must be at least 1")
	}
	if c.History.FetchLimit < 0 {
		return invalid("history.history_fetch_limit", "must not be negative")
	}
	if c.History.MaxResponseLines < 1 {
		return invalid("history.max_response_lines", "must be at least 1")
	}
	if c.History.StartupConcurrency < 1 {
		return invalid("history.startup_concurrency", "must be at least 1")
	}
	if c.History.FetchRate < 0 {
		return invalid("history.fetch_rate", "must not be negative")
	}
	if c.Prompt.MaxLines < 1 {
		return invalid("prompt.max_lines", "must be at least 1")
	}

	if err := c.validateSampling(); err != nil {
		return err
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return invalid("tailscale.hostname", "is required when tailscale is enabled")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return invalid("auth.jwt_secret", "must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	return nil
}

func (c *Config) validateSampling() error {
	s := c.Sampling
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return invalid("sampling.temperature", "must be between 0 and 2")
	}
	if s.TopP != nil && (*s.TopP <= 0 || *s.TopP > 1) {
		return invalid("sampling.top_p", "must be in (0, 1]")
	}
	if s.PresencePenalty != nil && (*s.PresencePenalty < -2 || *s.PresencePenalty > 2) {
		return invalid("sampling.presence_penalty", "must be between -2 and 2")
	}
	if s.FrequencyPenalty != nil && (*s.FrequencyPenalty < -2 || *s.FrequencyPenalty > 2) {
		return invalid("sampling.frequency_penalty", "must be between -2 and 2")
	}
	if s.MaxTokens != nil && *s.MaxTokens < -1 {
		return invalid("sampling.max_tokens", "must be -1 or greater")
	}
	return nil
}

// GenerationSampling merges the configured sampling over the defaults.
func (c *Config) GenerationSampling() generation.Sampling {
	out := generation.DefaultSampling()
	s := c.Sampling
	if s.Temperature != nil {
		out.Temperature = *s.Temperature
	}
	if s.TopP != nil {
		out.TopP = *s.TopP
	}
	if s.PresencePenalty != nil {
		out.PresencePenalty = *s.PresencePenalty
	}
	if s.FrequencyPenalty != nil {
		out.FrequencyPenalty = *s.FrequencyPenalty
	}
	if s.MaxTokens != nil {
		out.MaxTokens = *s.MaxTokens
	}
	if s.Seed != nil {
		out.Seed = *s.Seed
	}
	return out
}

// IsConfigurationError reports whether err carries a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
