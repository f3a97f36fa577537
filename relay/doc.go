// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the Spyglass session relay: the process
// that accepts producer (app) and consumer (dashboard) WebSocket
// connections, maintains per-producer session state, replays recent
// history to late-joining dashboards, and routes commands from
// dashboards to apps with request/response correlation.
//
// The package is organized around the relay data flow:
//
//   - value.go: opaque structured payload values (never interpreted)
//   - protocol.go: JSON wire envelope, message kinds, size limits
//   - errors.go: the protocol error taxonomy
//   - ringbuffer.go: bounded FIFO history buffers for replay
//   - session.go, registry.go: session identity and lifecycle
//   - pending.go: command correlation with deadline timers
//   - router.go: frame dispatch, fan-out, correlation
//   - conn.go: connection handles with bounded send queues
//   - server.go: WebSocket acceptor and HTTP status surface
//   - discovery.go: UDP presence broadcast and client-side listen
//
// The relay never interprets telemetry payloads, never persists data
// beyond process lifetime, and trusts the local network (no consumer
// authentication).
package relay
