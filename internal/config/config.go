// Package config handles CRM assistant configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Config.applyDefaults].
const (
	DefaultPort          = 8080
	DefaultModel         = "claude-haiku-4-5"
	DefaultMaxIterations = 5
	DefaultHistoryLimit  = 20
	DefaultMaxTokens     = 4096
	DefaultRunTimeout    = 2 * time.Minute
	DefaultPollInterval  = time.Minute
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultTopicPrefix   = "crm"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml,
// ~/.config/crm-assistant/config.yaml, /etc/crm-assistant/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "crm-assistant", "config.yaml"))
	}

	paths = append(paths, "/etc/crm-assistant/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all CRM assistant configuration.
type Config struct {
	Listen            ListenConfig    `yaml:"listen"`
	Anthropic         AnthropicConfig `yaml:"anthropic"`
	Ollama            OllamaConfig    `yaml:"ollama"`
	Agent             AgentConfig     `yaml:"agent"`
	DataDir           string          `yaml:"data_dir"`
	ConversationStore string          `yaml:"conversation_store"` // memory (default) or sqlite
	Email             EmailConfig     `yaml:"email"`
	Reminders         RemindersConfig `yaml:"reminders"`
	MQTT              MQTTConfig      `yaml:"mqtt"`
	LogLevel          string          `yaml:"log_level"`
	LogFormat         string          `yaml:"log_format"` // text (default) or json
	// Timezone is the IANA zone used for dates the model gives without an
	// offset and for the date shown in the system prompt. Empty means the
	// host's local zone.
	Timezone string `yaml:"timezone"`
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig points at a local Ollama server. Models whose names do
// not start with "claude" are routed here.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	Model string `yaml:"model"`
	// MaxIterations caps model calls per query. Zero is honored and
	// means the loop never calls the model.
	MaxIterations *int `yaml:"max_iterations"`
	// HistoryLimit is the number of turns retained per user.
	HistoryLimit int           `yaml:"history_limit"`
	MaxTokens    int           `yaml:"max_tokens"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	// ParallelTools dispatches the tool calls of one assistant turn
	// concurrently. Results are still returned in call order.
	ParallelTools bool `yaml:"parallel_tools"`
}

// Iterations returns the configured iteration ceiling, defaulting to
// DefaultMaxIterations when unset.
func (a AgentConfig) Iterations() int {
	if a.MaxIterations == nil {
		return DefaultMaxIterations
	}
	return *a.MaxIterations
}

// EmailConfig configures outbound mail.
type EmailConfig struct {
	From string `yaml:"from"`
	// BccOwner adds the From address as a BCC on every message so the
	// account owner keeps a copy.
	BccOwner bool       `yaml:"bcc_owner"`
	SMTP     SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds SMTP server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS requires upgrading a plain connection. When false, port
	// 465 uses implicit TLS and any other port upgrades only if the
	// server offers STARTTLS.
	StartTLS bool `yaml:"starttls"`
}

// ImplicitTLS reports whether the connection is TLS from the first byte.
func (c SMTPConfig) ImplicitTLS() bool {
	return !c.StartTLS && c.Port == 465
}

// Configured reports whether enough SMTP settings exist to send mail.
func (c EmailConfig) Configured() bool {
	return c.From != "" && c.SMTP.Host != ""
}

// RemindersConfig controls the due-reminder poller.
type RemindersConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// IsEnabled reports whether the poller should run. Defaults to true.
func (r RemindersConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MQTTConfig configures the optional broker bridge for contact events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = DefaultOllamaURL
	}
	if c.Agent.Model == "" {
		c.Agent.Model = DefaultModel
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = DefaultHistoryLimit
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Agent.RunTimeout == 0 {
		c.Agent.RunTimeout = DefaultRunTimeout
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.ConversationStore == "" {
		c.ConversationStore = "memory"
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if c.Reminders.PollInterval == 0 {
		c.Reminders.PollInterval = DefaultPollInterval
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

// Validate checks for settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.MaxIterations != nil && *c.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be >= 0, got %d", *c.Agent.MaxIterations))
	}
	if c.Agent.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("agent.history_limit must be > 0, got %d", c.Agent.HistoryLimit))
	}
	switch c.ConversationStore {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("conversation_store must be memory or sqlite, got %q", c.ConversationStore))
	}
	if strings.HasPrefix(c.Agent.Model, "claude") && c.Anthropic.APIKey == "" {
		errs = append(errs, fmt.Errorf("anthropic.api_key is required for model %q", c.Agent.Model))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
