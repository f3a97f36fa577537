// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"math"
	"time"
)

// Backoff computes reconnection delays:
//
//	delay = min(Max, Initial * Factor^attempts)
//
// Not safe for concurrent use; the Run loop is its only caller.
type Backoff struct {
	// Initial is the first delay. Required (positive).
	Initial time.Duration

	// Max caps the delay. Required (positive).
	Max time.Duration

	// Factor is the growth multiplier per attempt. Values below 1
	// are treated as 1 (constant delay).
	Factor float64

	attempts int
}

// Next returns the delay before the next attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(b.Initial) * math.Pow(factor, float64(b.attempts)))
	if delay > b.Max || delay <= 0 {
		// The <= 0 case is float overflow after many attempts.
		delay = b.Max
	}
	b.attempts++
	return delay
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns how many delays have been handed out since the
// last Reset.
func (b *Backoff) Attempts() int { return b.attempts }
