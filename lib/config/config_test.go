// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate(): %v", err)
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "spyglass.yaml", `
listen:
  websocket_address: ":7700"
  http_address: ":7701"
buffers:
  data_capacity: 50
  log_capacity: 5000
sessions:
  ended_ttl: 2m
  resume_cooldown: 10m
commands:
  timeout: 45s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Listen.WebSocketAddress != ":7700" {
		t.Errorf("websocket_address: got %q, want %q", cfg.Listen.WebSocketAddress, ":7700")
	}
	if cfg.Buffers.LogCapacity != 5000 {
		t.Errorf("log_capacity: got %d, want 5000", cfg.Buffers.LogCapacity)
	}
	if cfg.Sessions.ResumeCooldown.Std() != 10*time.Minute {
		t.Errorf("resume_cooldown: got %v, want 10m", cfg.Sessions.ResumeCooldown.Std())
	}
	if cfg.Commands.Timeout.Std() != 45*time.Second {
		t.Errorf("commands.timeout: got %v, want 45s", cfg.Commands.Timeout.Std())
	}
	// Unspecified sections keep defaults.
	if cfg.Limits.MaxMessageBytes != 1024*1024 {
		t.Errorf("max_message_bytes default: got %d, want 1 MB", cfg.Limits.MaxMessageBytes)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "spyglass.jsonc", `{
  // local debugging profile
  "listen": {"websocket_address": ":8800", "http_address": ":8801"},
  "commands": {"timeout": "10s"}, // trailing comma below is allowed
  "discovery": {"enabled": false, "interval": "5s", "port": 9852, "service": "spyglass"},
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen.WebSocketAddress != ":8800" {
		t.Errorf("websocket_address: got %q, want %q", cfg.Listen.WebSocketAddress, ":8800")
	}
	if cfg.Commands.Timeout.Std() != 10*time.Second {
		t.Errorf("timeout: got %v, want 10s", cfg.Commands.Timeout.Std())
	}
	if cfg.Discovery.Enabled {
		t.Error("discovery.enabled: got true, want false")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "spyglass.yaml", `
environment: production
buffers:
  data_capacity: 100
  log_capacity: 1000
production:
  buffers:
    data_capacity: 200
    log_capacity: 50000
development:
  buffers:
    data_capacity: 10
    log_capacity: 100
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Buffers.LogCapacity != 50000 {
		t.Errorf("log_capacity: got %d, want production override 50000", cfg.Buffers.LogCapacity)
	}
	if cfg.Buffers.DataCapacity != 200 {
		t.Errorf("data_capacity: got %d, want production override 200", cfg.Buffers.DataCapacity)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty websocket address", func(c *Config) { c.Listen.WebSocketAddress = "" }},
		{"zero message cap", func(c *Config) { c.Limits.MaxMessageBytes = 0 }},
		{"zero data capacity", func(c *Config) { c.Buffers.DataCapacity = 0 }},
		{"negative log capacity", func(c *Config) { c.Buffers.LogCapacity = -1 }},
		{"zero command timeout", func(c *Config) { c.Commands.Timeout = 0 }},
		{"bad discovery port", func(c *Config) { c.Discovery.Port = 99999 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFile on a missing file: got nil error")
	}
}
