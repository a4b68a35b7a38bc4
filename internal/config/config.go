// ABOUTME: Configuration loading and parsing for strand-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete strand-gateway configuration
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Broker    BrokerConfig              `yaml:"broker"`
	Auth      AuthConfig                `yaml:"auth"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Agents    map[string]AgentConfig    `yaml:"agents"`
	Sessions  SessionsConfig            `yaml:"sessions"`
	Streaming StreamingConfig           `yaml:"streaming"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the SQLite session store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig holds the durable event broker configuration. An empty DSN
// skips the durable backend entirely and runs in-process.
type BrokerConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds authentication configuration. An empty secret runs the
// server in anonymous mode.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ProviderConfig describes one upstream LLM backend.
type ProviderConfig struct {
	// Type selects the adapter: "openai", "anthropic", or "demo".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`

	// APIKey is the shared credential. It is only handed to callers when
	// AllowSharedKey is set; otherwise every owner needs an entry in OwnerKeys.
	APIKey         string            `yaml:"api_key"`
	AllowSharedKey bool              `yaml:"allow_shared_key"`
	OwnerKeys      map[string]string `yaml:"owner_keys"`
}

// AgentConfig binds an agent reference to a provider and model.
type AgentConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// StreamingConfig holds SSE stream and generation behavior configuration
type StreamingConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	// GenerationTimeout bounds one upstream generation end to end. A stalled
	// provider call surfaces as a terminal error event when it expires.
	GenerationTimeout time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	GenerationTimeoutRaw string `yaml:"generation_timeout"`

	// CloseOnEnd closes the SSE connection after a conversational end event
	// instead of keeping it open for the next message.
	CloseOnEnd bool `yaml:"close_on_end"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves fields unset.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultSessionTTL        = 24 * time.Hour
	DefaultSweepInterval     = time.Hour
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultGenerationTimeout = 2 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML bytes. Split out from Load for tests.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Sessions.TTL == 0 && c.Sessions.TTLRaw == "" {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Sessions.SweepInterval == 0 && c.Sessions.SweepIntervalRaw == "" {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Streaming.HeartbeatInterval == 0 && c.Streaming.HeartbeatIntervalRaw == "" {
		c.Streaming.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Streaming.GenerationTimeout == 0 && c.Streaming.GenerationTimeoutRaw == "" {
		c.Streaming.GenerationTimeout = DefaultGenerationTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "anthropic", "demo":
		case "":
			return fmt.Errorf("providers.%s.type is required", name)
		default:
			return fmt.Errorf("providers.%s.type %q is not supported", name, p.Type)
		}
	}

	for ref, a := range c.Agents {
		if a.Provider == "" {
			return fmt.Errorf("agents.%s.provider is required", ref)
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("agents.%s references unknown provider %q", ref, a.Provider)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.TTLRaw != "" {
		cfg.Sessions.TTL, err = time.ParseDuration(cfg.Sessions.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.ttl %q: %w", cfg.Sessions.TTLRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	if cfg.Streaming.HeartbeatIntervalRaw != "" {
		cfg.Streaming.HeartbeatInterval, err = time.ParseDuration(cfg.Streaming.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing streaming.heartbeat_interval %q: %w", cfg.Streaming.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Streaming.GenerationTimeoutRaw != "" {
		cfg.Streaming.GenerationTimeout, err = time.ParseDuration(cfg.Streaming.GenerationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing streaming.generation_timeout %q: %w", cfg.Streaming.GenerationTimeoutRaw, err)
		}
	}

	return nil
}
