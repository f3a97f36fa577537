// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync/atomic"

// Metrics is the relay's lightweight counter set, exposed on
// /api/status. Counters only ever increase (except the active
// connection gauges); there is no histogram machinery — a debug relay
// does not need one.
type Metrics struct {
	FramesIn        atomic.Uint64
	FramesOut       atomic.Uint64
	FramesDropped   atomic.Uint64
	ErrorsSent      atomic.Uint64
	CommandsStarted atomic.Uint64
	CommandsTimeout atomic.Uint64

	ActiveProducers atomic.Int64
	ActiveConsumers atomic.Int64
}

// MetricsSnapshot is the JSON view of Metrics.
type MetricsSnapshot struct {
	FramesIn        uint64 `json:"frames_in"`
	FramesOut       uint64 `json:"frames_out"`
	FramesDropped   uint64 `json:"frames_dropped"`
	ErrorsSent      uint64 `json:"errors_sent"`
	CommandsStarted uint64 `json:"commands_started"`
	CommandsTimeout uint64 `json:"commands_timeout"`
	ActiveProducers int64  `json:"active_producers"`
	ActiveConsumers int64  `json:"active_consumers"`
}

// Snapshot copies the counters for serialization. Reads are
// individually atomic, not mutually consistent, which is fine for a
// status endpoint.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesIn:        m.FramesIn.Load(),
		FramesOut:       m.FramesOut.Load(),
		FramesDropped:   m.FramesDropped.Load(),
		ErrorsSent:      m.ErrorsSent.Load(),
		CommandsStarted: m.CommandsStarted.Load(),
		CommandsTimeout: m.CommandsTimeout.Load(),
		ActiveProducers: m.ActiveProducers.Load(),
		ActiveConsumers: m.ActiveConsumers.Load(),
	}
}
