// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

// Spyglass-relay is the debug telemetry relay: a single process that
// bridges instrumented applications and browser dashboards on the
// same network.
//
// Apps connect to /ws/app, register (or resume) a session, and stream
// telemetry and logs. Dashboards connect to /ws/dashboard, receive a
// SYNC replay of every live session's recent history, then follow the
// live stream and issue actions (commands) that the relay forwards to
// the target app with request/response correlation.
//
// Data flow:
//
//	app → /ws/app → router → registry (ring buffers) → fan-out → /ws/dashboard → dashboards
//	dashboard ACTION → router → pending command (30s deadline) → app → ACTION_RESULT → dashboard
//
// A UDP broadcast announces the relay's presence every few seconds so
// apps on other devices can find it without manual configuration.
//
// Configuration comes from an optional YAML/JSONC file (SPYGLASS_CONFIG
// or --config); flags override the listen addresses for quick local
// runs. The defaults are a complete localhost setup.
package main
