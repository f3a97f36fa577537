// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Spyglass components.
//
// Configuration is loaded from a single file specified by:
//   - SPYGLASS_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// Config files are YAML by default. Files with a .jsonc extension are
// parsed as JSONC (JSON extended with comments and trailing commas),
// which is convenient for configs checked into app repositories.
//
// The config file may contain environment-specific sections
// (development, production) that override base values when the
// environment matches.
package config
