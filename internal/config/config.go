// Package config handles HubPilot configuration loading.
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

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hubpilot/config.yaml, /etc/hubpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hubpilot", "config.yaml"))
	}

	paths = append(paths, "/etc/hubpilot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all HubPilot configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Generation GenerationConfig `yaml:"generation"`
	HubSpot    HubSpotConfig    `yaml:"hubspot"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GeminiConfig defines the generative backend connection.
type GeminiConfig struct {
	APIKey  string       `yaml:"api_key"`
	Model   string       `yaml:"model"`
	BaseURL string       `yaml:"base_url"`
	Pricing PricingEntry `yaml:"pricing"`
}

// PricingEntry is the per-million-token price used for usage cost
// accounting. Zero prices record zero cost.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// GenerationConfig tunes the resilient generation client and the agent
// loop. Zero values are replaced by defaults in applyDefaults.
type GenerationConfig struct {
	// MaxAttempts caps backend calls per generation, including the first.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64 `yaml:"multiplier"`
	// MaxRounds bounds generation calls per user message. 1 means tool
	// results are shown but never fed back to the model.
	MaxRounds int `yaml:"max_rounds"`
	// DefaultMode is used when a submission names no mode.
	DefaultMode string `yaml:"default_mode"`
}

// HubSpotConfig defines CRM read access for the data tools. An empty
// token leaves the tools registered but reporting "not configured".
type HubSpotConfig struct {
	Token   string        `yaml:"token"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig defines the optional turn fan-out to an MQTT broker.
// Publishing is disabled when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Default values applied after decoding.
const (
	DefaultPort           = 8080
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultGeminiBaseURL  = "https://generativelanguage.googleapis.com/v1beta/models"
	DefaultHubSpotBaseURL = "https://api.hubapi.com"
	DefaultMaxAttempts    = 6
	DefaultBaseDelay      = 2 * time.Second
	DefaultMultiplier     = 2.0
	DefaultMaxRounds      = 1
	DefaultMode           = "chat"
	DefaultTopicPrefix    = "hubpilot"
	DefaultHubSpotTimeout = 20 * time.Second
	DefaultDataDir        = "data"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultGeminiModel
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = DefaultGeminiBaseURL
	}
	c.Gemini.BaseURL = strings.TrimRight(c.Gemini.BaseURL, "/")
	if c.Generation.MaxAttempts == 0 {
		c.Generation.MaxAttempts = DefaultMaxAttempts
	}
	if c.Generation.BaseDelay == 0 {
		c.Generation.BaseDelay = DefaultBaseDelay
	}
	if c.Generation.Multiplier == 0 {
		c.Generation.Multiplier = DefaultMultiplier
	}
	if c.Generation.MaxRounds == 0 {
		c.Generation.MaxRounds = DefaultMaxRounds
	}
	if c.Generation.DefaultMode == "" {
		c.Generation.DefaultMode = DefaultMode
	}
	if c.HubSpot.BaseURL == "" {
		c.HubSpot.BaseURL = DefaultHubSpotBaseURL
	}
	c.HubSpot.BaseURL = strings.TrimRight(c.HubSpot.BaseURL, "/")
	if c.HubSpot.Timeout == 0 {
		c.HubSpot.Timeout = DefaultHubSpotTimeout
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
}

// Validate checks the configuration for values that would make the
// server misbehave at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Generation.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("generation.max_attempts must be at least 1, got %d", c.Generation.MaxAttempts))
	}
	if c.Generation.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("generation.base_delay must not be negative"))
	}
	if c.Generation.Multiplier <= 1 {
		errs = append(errs, fmt.Errorf("generation.multiplier must be greater than 1, got %g", c.Generation.Multiplier))
	}
	if c.Generation.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("generation.max_rounds must be at least 1, got %d", c.Generation.MaxRounds))
	}
	switch c.Generation.DefaultMode {
	case "chat", "optimize", "audit":
	default:
		errs = append(errs, fmt.Errorf("generation.default_mode %q is not one of chat, optimize, audit", c.Generation.DefaultMode))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
