// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion plus per-channel records

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// SessionStrategy selects how conversations map onto backend agent sessions.
type SessionStrategy string

const (
	// SessionGlobal routes every conversation for a channel config to one shared session.
	SessionGlobal SessionStrategy = "global"

	// SessionPerThread routes each thread (or group, or user when unthreaded) to its own session.
	SessionPerThread SessionStrategy = "per-thread"

	// SessionPerUser routes each user to their own session regardless of thread.
	SessionPerUser SessionStrategy = "per-user"

	// SessionPerMessage creates a fresh session for every message.
	SessionPerMessage SessionStrategy = "per-message"
)

// Valid reports whether the strategy is one of the known values.
func (s SessionStrategy) Valid() bool {
	switch s {
	case SessionGlobal, SessionPerThread, SessionPerUser, SessionPerMessage:
		return true
	}
	return false
}

// ChannelConfig describes one configured chat channel integration. The core
// consumes it as an opaque record; channel CRUD lives outside the core.
type ChannelConfig struct {
	ID              string          `yaml:"id"`
	ChannelType     string          `yaml:"channel_type"`
	SessionStrategy SessionStrategy `yaml:"session_strategy"`

	// AgentName optionally pins sessions for this channel to a named agent.
	AgentName string `yaml:"agent_name"`
}

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Agent    AgentConfig     `yaml:"agent"`
	Logging  LoggingConfig   `yaml:"logging"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds backend agent connection configuration
type AgentConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}

	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if ch.ChannelType == "" {
			return fmt.Errorf("channels[%d].channel_type is required", i)
		}
		if ch.SessionStrategy == "" {
			c.Channels[i].SessionStrategy = SessionPerThread
		} else if !ch.SessionStrategy.Valid() {
			return fmt.Errorf("channels[%d].session_strategy %q is not one of global, per-thread, per-user, per-message", i, ch.SessionStrategy)
		}
	}

	return nil
}

// Channel returns the channel config with the given ID, or nil if not configured.
func (c *Config) Channel(id string) *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].ID == id {
			return &c.Channels[i]
		}
	}
	return nil
}
