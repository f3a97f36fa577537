// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration wraps time.Duration with YAML and JSON unmarshalling from
// strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string from a YAML scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON parses a duration from a JSON string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the Spyglass relay.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment" json:"environment"`

	// Listen configures the network listeners.
	Listen ListenConfig `yaml:"listen" json:"listen"`

	// Limits configures connection and message size limits.
	Limits LimitsConfig `yaml:"limits" json:"limits"`

	// Buffers configures per-session ring buffer capacities.
	Buffers BufferConfig `yaml:"buffers" json:"buffers"`

	// Sessions configures session lifecycle timing.
	Sessions SessionConfig `yaml:"sessions" json:"sessions"`

	// Commands configures command correlation.
	Commands CommandConfig `yaml:"commands" json:"commands"`

	// Discovery configures the UDP presence broadcaster.
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// Per-environment overrides, applied after the base config loads.
	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Listen    *ListenConfig    `yaml:"listen,omitempty" json:"listen,omitempty"`
	Limits    *LimitsConfig    `yaml:"limits,omitempty" json:"limits,omitempty"`
	Buffers   *BufferConfig    `yaml:"buffers,omitempty" json:"buffers,omitempty"`
	Sessions  *SessionConfig   `yaml:"sessions,omitempty" json:"sessions,omitempty"`
	Commands  *CommandConfig   `yaml:"commands,omitempty" json:"commands,omitempty"`
	Discovery *DiscoveryConfig `yaml:"discovery,omitempty" json:"discovery,omitempty"`
}

// ListenConfig configures the network listeners.
type ListenConfig struct {
	// WebSocketAddress is the TCP address for the producer and
	// consumer WebSocket endpoints (e.g., ":9850").
	WebSocketAddress string `yaml:"websocket_address" json:"websocket_address"`

	// HTTPAddress is the TCP address for the status endpoints
	// (/healthz, /api/sessions, /api/status).
	HTTPAddress string `yaml:"http_address" json:"http_address"`
}

// LimitsConfig configures connection and message size limits.
type LimitsConfig struct {
	// MaxConnections caps the number of simultaneous WebSocket
	// connections (producers plus consumers). Zero means unlimited.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// MaxMessageBytes is the hard per-message size cap. Connections
	// sending larger frames are closed.
	MaxMessageBytes int64 `yaml:"max_message_bytes" json:"max_message_bytes"`
}

// BufferConfig configures per-session ring buffer capacities.
type BufferConfig struct {
	// DataCapacity is the number of telemetry payloads retained per
	// session for replay to late-joining dashboards.
	DataCapacity int `yaml:"data_capacity" json:"data_capacity"`

	// LogCapacity is the number of log entries retained per session.
	LogCapacity int `yaml:"log_capacity" json:"log_capacity"`
}

// SessionConfig configures session lifecycle timing.
type SessionConfig struct {
	// EndedTTL is how long an ended session remains visible before
	// the sweep purges it.
	EndedTTL Duration `yaml:"ended_ttl" json:"ended_ttl"`

	// ResumeCooldown is how long a disconnected session waits for
	// the producer to resume before it is treated as ended.
	ResumeCooldown Duration `yaml:"resume_cooldown" json:"resume_cooldown"`
}

// CommandConfig configures command correlation.
type CommandConfig struct {
	// Timeout is how long the relay waits for a producer's
	// ACTION_RESULT before synthesizing a timeout failure.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// DiscoveryConfig configures the UDP presence broadcaster.
type DiscoveryConfig struct {
	// Enabled turns the broadcaster on. Discovery is a convenience
	// layer; disabling it only means producers need manual host
	// configuration.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Interval is the announcement period.
	Interval Duration `yaml:"interval" json:"interval"`

	// Port is the UDP port announcements are broadcast to.
	Port int `yaml:"port" json:"port"`

	// Service is the service identity string in the announcement.
	Service string `yaml:"service" json:"service"`
}

// Default returns the default configuration. These defaults are a
// complete working local setup; the config file is optional for the
// relay (unlike most Spyglass tooling) because a zero-config localhost
// run is the common development case.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			WebSocketAddress: ":9850",
			HTTPAddress:      ":9851",
		},
		Limits: LimitsConfig{
			MaxConnections:  256,
			MaxMessageBytes: 1024 * 1024,
		},
		Buffers: BufferConfig{
			DataCapacity: 100,
			LogCapacity:  1000,
		},
		Sessions: SessionConfig{
			EndedTTL:       Duration(time.Minute),
			ResumeCooldown: Duration(5 * time.Minute),
		},
		Commands: CommandConfig{
			Timeout: Duration(30 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Interval: Duration(5 * time.Second),
			Port:     9852,
			Service:  "spyglass",
		},
	}
}

// Load loads configuration from the SPYGLASS_CONFIG environment
// variable. Returns the defaults if SPYGLASS_CONFIG is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("SPYGLASS_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// parsed as JSONC when the path ends in .jsonc, YAML otherwise.
//
// The config file is the single source of truth. Environment variables
// do not override config values; this keeps configuration deterministic
// and auditable.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if strings.HasSuffix(path, ".jsonc") || strings.HasSuffix(path, ".json") {
		// JSONC strips to plain JSON, which YAML 1.2 is a superset
		// of, so a single unmarshal path handles both formats.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Listen != nil {
		c.Listen = *overrides.Listen
	}
	if overrides.Limits != nil {
		c.Limits = *overrides.Limits
	}
	if overrides.Buffers != nil {
		c.Buffers = *overrides.Buffers
	}
	if overrides.Sessions != nil {
		c.Sessions = *overrides.Sessions
	}
	if overrides.Commands != nil {
		c.Commands = *overrides.Commands
	}
	if overrides.Discovery != nil {
		c.Discovery = *overrides.Discovery
	}
}

// Validate checks the configuration for values the relay cannot run
// with. Called by LoadFile; callers constructing a Config in code
// (tests, embedders) should call it themselves.
func (c *Config) Validate() error {
	if c.Listen.WebSocketAddress == "" {
		return fmt.Errorf("listen.websocket_address is required")
	}
	if c.Limits.MaxMessageBytes <= 0 {
		return fmt.Errorf("limits.max_message_bytes must be positive, got %d", c.Limits.MaxMessageBytes)
	}
	if c.Buffers.DataCapacity <= 0 {
		return fmt.Errorf("buffers.data_capacity must be positive, got %d", c.Buffers.DataCapacity)
	}
	if c.Buffers.LogCapacity <= 0 {
		return fmt.Errorf("buffers.log_capacity must be positive, got %d", c.Buffers.LogCapacity)
	}
	if c.Sessions.EndedTTL <= 0 {
		return fmt.Errorf("sessions.ended_ttl must be positive")
	}
	if c.Sessions.ResumeCooldown <= 0 {
		return fmt.Errorf("sessions.resume_cooldown must be positive")
	}
	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be positive")
	}
	if c.Discovery.Enabled {
		if c.Discovery.Interval <= 0 {
			return fmt.Errorf("discovery.interval must be positive when discovery is enabled")
		}
		if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
			return fmt.Errorf("discovery.port must be a valid UDP port, got %d", c.Discovery.Port)
		}
	}
	return nil
}
