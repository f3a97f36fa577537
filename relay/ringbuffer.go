// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "fmt"

// ring is a fixed-capacity FIFO buffer. Push is O(1); when the ring
// is full the oldest entry is overwritten silently. Rings hold the
// per-session data and log history replayed to late-joining
// consumers, so losing the oldest entries under pressure is the
// intended behavior, not an error.
//
// Not safe for concurrent use; the registry's lock guards all access.
type ring[T any] struct {
	entries []T
	start   int // index of the oldest entry
	count   int
}

// newRing creates a ring with the given capacity. Capacity must be
// positive: a zero-capacity history buffer is a configuration bug,
// not a meaningful deployment choice.
func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("ring: capacity must be positive, got %d", capacity))
	}
	return &ring[T]{entries: make([]T, capacity)}
}

// push appends an entry, evicting the oldest if the ring is full.
func (r *ring[T]) push(entry T) {
	capacity := len(r.entries)
	if r.count < capacity {
		r.entries[(r.start+r.count)%capacity] = entry
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance the start.
	r.entries[r.start] = entry
	r.start = (r.start + 1) % capacity
}

// len returns the number of buffered entries.
func (r *ring[T]) len() int { return r.count }

// snapshot returns a copy of the buffered entries, oldest first.
// Returns an empty (non-nil) slice when the ring is empty so that
// JSON encodes it as [] rather than null.
func (r *ring[T]) snapshot() []T {
	out := make([]T, r.count)
	capacity := len(r.entries)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%capacity]
	}
	return out
}
