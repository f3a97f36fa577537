// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// Protocol error codes. These travel in ERROR frames and in
// synthesized ACTION_RESULT failures, so their spelling is wire
// format, not just Go API.
const (
	// ErrCodeInvalidMessage marks an unparseable frame or an unknown
	// or out-of-place message type.
	ErrCodeInvalidMessage = "InvalidMessage"

	// ErrCodeProtocolVersionMismatch marks a REGISTER whose
	// protocol_version the relay does not speak.
	ErrCodeProtocolVersionMismatch = "ProtocolVersionMismatch"

	// ErrCodeSessionNotFound marks a reference to an unknown or
	// purged session, including any pre-registration traffic.
	ErrCodeSessionNotFound = "SessionNotFound"

	// ErrCodePayloadTooLarge marks a frame over the hard size cap.
	ErrCodePayloadTooLarge = "PayloadTooLarge"

	// ErrCodeInvalidRegistration marks a REGISTER with absent or
	// oversized metadata.
	ErrCodeInvalidRegistration = "InvalidRegistration"

	// ErrCodeTimeout marks a command whose producer never replied
	// within the correlation deadline.
	ErrCodeTimeout = "Timeout"

	// ErrCodeInternalError marks an unexpected relay-side failure.
	// Logged, never crash-inducing.
	ErrCodeInternalError = "InternalError"
)

// RelayError is a structured protocol error. Callers can use
// errors.As to extract the code:
//
//	var relayErr *RelayError
//	if errors.As(err, &relayErr) {
//	    if relayErr.Code == ErrCodeSessionNotFound { ... }
//	}
type RelayError struct {
	// Code is one of the ErrCode constants.
	Code string `json:"code"`
	// Message is the human-readable description.
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

// relayError constructs a *RelayError with a formatted message.
func relayError(code, format string, args ...any) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRelayError checks whether err is a *RelayError with the given code.
func IsRelayError(err error, code string) bool {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code == code
	}
	return false
}
