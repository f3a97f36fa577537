// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"testing"
	"time"

	"github.com/spyglass-dev/spyglass/lib/clock"
)

func TestPendingResolve(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(0, 0))
	pending := newPendingCommands(fake)
	consumer := newConn(RoleConsumer, newFakeSocket(), discardLogger())

	pending.Add("action-1", "session-1", consumer, 30*time.Second, func(pendingCommand) {
		t.Error("timeout fired for a resolved command")
	})
	if got := pending.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	cmd, ok := pending.Resolve("action-1")
	if !ok {
		t.Fatal("Resolve returned false for a pending command")
	}
	if cmd.sessionID != "session-1" || cmd.consumer != consumer {
		t.Errorf("resolved command = %+v", cmd)
	}
	if got := pending.Len(); got != 0 {
		t.Errorf("Len() = %d after resolve, want 0", got)
	}

	// Exactly-once: the second resolve finds nothing.
	if _, ok := pending.Resolve("action-1"); ok {
		t.Error("second Resolve returned true")
	}

	// The timer was stopped; advancing must not fire the callback.
	fake.Advance(time.Minute)
}

func TestPendingTimeoutFiresOnce(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(0, 0))
	pending := newPendingCommands(fake)
	consumer := newConn(RoleConsumer, newFakeSocket(), discardLogger())

	fired := 0
	pending.Add("action-1", "session-1", consumer, 30*time.Second, func(cmd pendingCommand) {
		fired++
		if cmd.actionID != "action-1" {
			t.Errorf("timeout for %q, want action-1", cmd.actionID)
		}
	})

	fake.Advance(30 * time.Second)
	if fired != 1 {
		t.Fatalf("timeout fired %d times, want 1", fired)
	}
	fake.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("timeout fired %d times after further advance, want 1", fired)
	}

	// The command was consumed by the timeout.
	if _, ok := pending.Resolve("action-1"); ok {
		t.Error("Resolve returned true after the timeout consumed the command")
	}
	if got := pending.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestPendingAbandonAll(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(0, 0))
	pending := newPendingCommands(fake)
	consumer := newConn(RoleConsumer, newFakeSocket(), discardLogger())

	onTimeout := func(pendingCommand) { t.Error("timeout fired on an abandoned command") }
	pending.Add("action-1", "session-1", consumer, 30*time.Second, onTimeout)
	pending.Add("action-2", "session-1", consumer, 30*time.Second, onTimeout)

	pending.AbandonAll()
	if got := pending.Len(); got != 0 {
		t.Fatalf("Len() = %d after AbandonAll, want 0", got)
	}
	fake.Advance(time.Minute)
}

func TestPendingIndependentTimeouts(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(0, 0))
	pending := newPendingCommands(fake)
	consumer := newConn(RoleConsumer, newFakeSocket(), discardLogger())

	var timedOut []string
	onTimeout := func(cmd pendingCommand) { timedOut = append(timedOut, cmd.actionID) }

	pending.Add("early", "session-1", consumer, 10*time.Second, onTimeout)
	pending.Add("late", "session-1", consumer, 20*time.Second, onTimeout)

	fake.Advance(10 * time.Second)
	if len(timedOut) != 1 || timedOut[0] != "early" {
		t.Fatalf("timed out = %v, want [early]", timedOut)
	}
	if got := pending.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	// Resolving the survivor prevents its timeout.
	if _, ok := pending.Resolve("late"); !ok {
		t.Fatal("Resolve(late) returned false")
	}
	fake.Advance(time.Minute)
	if len(timedOut) != 1 {
		t.Errorf("timed out = %v, want only [early]", timedOut)
	}
}
