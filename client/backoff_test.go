// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if got := b.Attempts(); got != len(want) {
		t.Errorf("Attempts() = %d, want %d", got, len(want))
	}
}

func TestBackoffReset(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Second, Max: time.Minute, Factor: 2}
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d after Reset, want 0", got)
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want %v", got, time.Second)
	}
}

func TestBackoffFactorBelowOneIsConstant(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Second, Max: time.Minute, Factor: 0.5}
	for i := 0; i < 5; i++ {
		if got := b.Next(); got != time.Second {
			t.Errorf("Next() #%d = %v, want constant 1s", i, got)
		}
	}
}

func TestBackoffOverflowClampsToMax(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Second, Max: time.Minute, Factor: 10}
	// Enough attempts that Initial * Factor^attempts overflows float64
	// range for time.Duration.
	for i := 0; i < 100; i++ {
		b.Next()
	}
	if got := b.Next(); got != time.Minute {
		t.Errorf("Next() after overflow = %v, want %v", got, time.Minute)
	}
}
