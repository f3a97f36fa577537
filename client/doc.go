// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the producer-side Spyglass client: the piece an
// instrumented application embeds to stream telemetry to a relay and
// answer dashboard-triggered actions.
//
// The client is an explicit state machine (Disconnected → Connecting
// → Active → Disconnected) driven by discrete events: dial results,
// socket errors, SHUTDOWN advisories, and backoff timer fires. There
// is no hidden reconnection magic; Run owns the loop and the state is
// observable at any time via State().
//
// A client holds one resume token for its whole lifetime, so a
// reconnect within the relay's cooldown window reclaims the same
// session id and history buffers.
package client
