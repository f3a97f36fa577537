// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the wire protocol version this relay speaks.
// REGISTER frames carrying a different version are rejected with
// ProtocolVersionMismatch.
const ProtocolVersion = 1

// Message type constants. The type field of the envelope selects the
// payload shape; matching on it is the only dispatch mechanism.
const (
	// Producer → relay.
	TypeRegister     = "REGISTER"
	TypeData         = "DATA"
	TypeLog          = "LOG"
	TypeActionResult = "ACTION_RESULT"

	// Relay → producer.
	TypeRegistered = "REGISTERED"
	TypeAction     = "ACTION"
	TypeError      = "ERROR"
	TypeShutdown   = "SHUTDOWN"

	// Relay → consumer.
	TypeSync           = "SYNC"
	TypeSessionStarted = "SESSION_STARTED"
	TypeSessionResumed = "SESSION_RESUMED"
	TypeSessionData    = "SESSION_DATA"
	TypeSessionLog     = "SESSION_LOG"
	TypeSessionEnded   = "SESSION_ENDED"

	// Consumer → relay: TypeAction (same constant as relay → producer).
)

// Size limits. The whole-message cap is enforced at the acceptor
// (connections exceeding it are closed); the log field caps are
// enforced by truncation, not rejection.
const (
	// MaxMessageBytes is the hard cap on a single WebSocket frame.
	MaxMessageBytes = 1024 * 1024

	// MaxLogMessageBytes caps LOG.message. Excess is truncated.
	MaxLogMessageBytes = 64 * 1024

	// MaxThrowableBytes caps LOG.throwable. Excess is truncated.
	MaxThrowableBytes = 256 * 1024

	// MaxMetadataBytes caps REGISTER.metadata and REGISTER.ui_schema
	// (each, JSON-encoded). Oversized registrations are rejected.
	MaxMetadataBytes = 64 * 1024
)

// TruncationMarker is appended to log fields cut at their size cap.
const TruncationMarker = "...[truncated]"

// Envelope is the outer JSON frame shared by every message in both
// directions: {type, timestamp, session_id?, payload}.
type Envelope struct {
	// Type selects the payload shape. One of the Type constants.
	Type string `json:"type"`

	// Timestamp is the sender's wall-clock time, RFC 3339.
	Timestamp time.Time `json:"timestamp"`

	// SessionID scopes the message to a session where relevant
	// (DATA/LOG from producers are scoped implicitly by the sending
	// connection and leave it empty).
	SessionID string `json:"session_id,omitempty"`

	// Payload is the type-specific body, decoded per Type.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the body of REGISTER (producer → relay).
type RegisterPayload struct {
	// ProtocolVersion is the producer's wire protocol version.
	ProtocolVersion int `json:"protocol_version"`

	// Metadata is the producer-supplied descriptor (app name, device
	// info). Opaque to the relay; must be a non-null value.
	Metadata Value `json:"metadata"`

	// UISchema is the declarative dashboard schema. Opaque; stored
	// verbatim and replayed to consumers.
	UISchema Value `json:"ui_schema"`

	// ResumeToken, when present, lets a reconnecting producer
	// reclaim its previous session within the cooldown window. The
	// relay stores only a keyed hash of the token.
	ResumeToken string `json:"resume_token,omitempty"`
}

// RegisteredPayload is the body of REGISTERED (relay → producer).
type RegisteredPayload struct {
	SessionID string `json:"session_id"`
}

// LogPayload is the body of LOG (producer → relay) and of SESSION_LOG
// (relay → consumer, with the envelope carrying the session id).
type LogPayload struct {
	// Level is the producer's severity string (e.g. "debug", "error").
	// Opaque to the relay.
	Level string `json:"level"`

	// Tag is an optional producer-side category.
	Tag string `json:"tag,omitempty"`

	// Message is the log text. Truncated at MaxLogMessageBytes.
	Message string `json:"message"`

	// Throwable is an optional stack trace or exception dump.
	// Truncated at MaxThrowableBytes.
	Throwable string `json:"throwable,omitempty"`

	// Timestamp is set by the relay when the entry is buffered, so
	// replayed entries keep their original arrival time.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Truncate enforces the per-field size caps, appending
// TruncationMarker to any field that was cut. Truncation is byte-wise;
// a multi-byte rune spanning the boundary is cut mid-sequence, which
// consumers must tolerate (they already must tolerate arbitrary
// producer bytes).
func (p *LogPayload) Truncate() {
	if len(p.Message) > MaxLogMessageBytes {
		p.Message = p.Message[:MaxLogMessageBytes] + TruncationMarker
	}
	if len(p.Throwable) > MaxThrowableBytes {
		p.Throwable = p.Throwable[:MaxThrowableBytes] + TruncationMarker
	}
}

// ActionPayload is the body of ACTION in both directions. A consumer
// sends it to the relay targeting a session (envelope session_id); the
// relay forwards it to the bound producer with ActionID filled in.
type ActionPayload struct {
	// ActionID correlates the eventual ACTION_RESULT. Consumers may
	// supply their own unique id; the relay generates one otherwise.
	ActionID string `json:"action_id,omitempty"`

	// Action names the command (e.g. "gc", "dump-threads"). Opaque
	// to the relay.
	Action string `json:"action"`

	// Args carries optional command arguments. Opaque.
	Args Value `json:"args,omitempty"`
}

// ActionResultPayload is the body of ACTION_RESULT in both directions:
// producer → relay as the command outcome, relay → consumer forwarded
// (or synthesized for SessionNotFound / Timeout failures).
type ActionResultPayload struct {
	ActionID string `json:"action_id"`
	Success  bool   `json:"success"`

	// Message describes failures ("Timeout", "SessionNotFound", or
	// producer-supplied text).
	Message string `json:"message,omitempty"`

	// Data is an optional producer-supplied result payload. Opaque.
	Data Value `json:"data,omitempty"`
}

// ErrorPayload is the body of ERROR (relay → producer or consumer).
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ShutdownPayload is the body of SHUTDOWN (relay → producer), an
// advisory sent during graceful stop.
type ShutdownPayload struct {
	Reason string `json:"reason"`

	// ReconnectAfterMS hints how long producers should wait before
	// redialing.
	ReconnectAfterMS int64 `json:"reconnect_after_ms"`
}

// SessionSummary is one session's replayable state, carried in SYNC
// and in SESSION_STARTED/SESSION_RESUMED.
type SessionSummary struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`

	// Metadata and UISchema are the values supplied at registration.
	Metadata Value `json:"metadata"`
	UISchema Value `json:"ui_schema"`

	// LatestSnapshot is the most recent DATA payload, or null if the
	// session has produced no data yet.
	LatestSnapshot Value `json:"latest_snapshot"`

	// RecentData and RecentLogs are the ring buffer contents, oldest
	// first.
	RecentData []Value      `json:"recent_data"`
	RecentLogs []LogPayload `json:"recent_logs"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// SyncPayload is the body of SYNC (relay → consumer), sent once on
// consumer connect.
type SyncPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionPayload is the body of SESSION_STARTED and SESSION_RESUMED.
type SessionPayload struct {
	Session SessionSummary `json:"session"`
}

// DecodeEnvelope parses a raw frame into an Envelope. The payload
// stays raw for per-type decoding.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, relayError(ErrCodeInvalidMessage, "unparseable frame: %v", err)
	}
	if envelope.Type == "" {
		return Envelope{}, relayError(ErrCodeInvalidMessage, "frame has no type")
	}
	return envelope, nil
}

// decodePayload unmarshals an envelope payload into the type-specific
// struct, mapping JSON errors onto InvalidMessage.
func decodePayload(envelope Envelope, dst any) error {
	if len(envelope.Payload) == 0 {
		return relayError(ErrCodeInvalidMessage, "%s frame has no payload", envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, dst); err != nil {
		return relayError(ErrCodeInvalidMessage, "malformed %s payload: %v", envelope.Type, err)
	}
	return nil
}

// encodeFrame builds the wire bytes for an outbound message. Encoding
// failures are programming errors (every payload type marshals
// cleanly), so encodeFrame panics rather than returning an error that
// every call site would have to invent handling for.
func encodeFrame(messageType string, timestamp time.Time, sessionID string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("relay: encoding %s payload: %v", messageType, err))
		}
		raw = encoded
	}
	frame, err := json.Marshal(Envelope{
		Type:      messageType,
		Timestamp: timestamp.UTC(),
		SessionID: sessionID,
		Payload:   raw,
	})
	if err != nil {
		panic(fmt.Sprintf("relay: encoding %s envelope: %v", messageType, err))
	}
	return frame
}
