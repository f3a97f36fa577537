// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState int

const (
	// SessionActive has a live producer connection bound.
	SessionActive SessionState = iota

	// SessionDisconnected lost its producer but is inside the resume
	// cooldown window; the producer may reclaim it with its resume
	// token.
	SessionDisconnected

	// SessionEnded is finished (explicit END or cooldown expiry) and
	// awaiting purge once its TTL elapses.
	SessionEnded
)

// String returns the wire spelling of the state.
func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionDisconnected:
		return "disconnected"
	case SessionEnded:
		return "ended"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// session is one producer run's state. Owned exclusively by the
// Registry; everything outside the registry sees sessions only as
// SessionSummary copies or by id.
type session struct {
	id string

	// resumeHash is the keyed BLAKE3 hash of the producer's resume
	// token, or the zero hash when the producer registered without
	// one (in which case the session can never be resumed).
	resumeHash resumeHash
	resumable  bool

	metadata Value
	uiSchema Value

	latestSnapshot Value

	dataRing *ring[Value]
	logRing  *ring[LogPayload]

	state     SessionState
	startedAt time.Time
	endedAt   time.Time

	// deadline is the cooldown expiry while Disconnected and the
	// purge time while Ended. Zero while Active.
	deadline time.Time
}

// summary builds the replayable external view of the session.
func (s *session) summary() SessionSummary {
	out := SessionSummary{
		SessionID:      s.id,
		State:          s.state.String(),
		Metadata:       s.metadata,
		UISchema:       s.uiSchema,
		LatestSnapshot: s.latestSnapshot,
		RecentData:     s.dataRing.snapshot(),
		RecentLogs:     s.logRing.snapshot(),
		StartedAt:      s.startedAt,
	}
	if s.state == SessionEnded {
		ended := s.endedAt
		out.EndedAt = &ended
	}
	return out
}
