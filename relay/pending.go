// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"

	"github.com/spyglass-dev/spyglass/lib/clock"
)

// pendingCommand correlates an ACTION forwarded to a producer with
// its eventual ACTION_RESULT.
type pendingCommand struct {
	actionID  string
	sessionID string

	// consumer is the originating dashboard connection; the result
	// (or synthesized timeout) goes only to it.
	consumer *Conn

	timer *clock.Timer
}

// pendingCommands tracks in-flight commands. Owned by the Registry
// alongside the session records; the router adds entries when it
// forwards an ACTION and resolves them on ACTION_RESULT or timeout.
//
// Resolution is exactly-once: a result arriving after the deadline
// fired (or a duplicate result) finds no entry and is dropped.
type pendingCommands struct {
	clock clock.Clock

	mu       sync.Mutex
	commands map[string]*pendingCommand
}

func newPendingCommands(c clock.Clock) *pendingCommands {
	return &pendingCommands{
		clock:    c,
		commands: make(map[string]*pendingCommand),
	}
}

// Add registers an in-flight command with a deadline. When the
// deadline fires before a result arrives, the entry is removed and
// onTimeout is called with the originating consumer. onTimeout runs
// on the timer goroutine; it must not block.
func (p *pendingCommands) Add(actionID, sessionID string, consumer *Conn, timeout time.Duration, onTimeout func(cmd pendingCommand)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := &pendingCommand{
		actionID:  actionID,
		sessionID: sessionID,
		consumer:  consumer,
	}
	cmd.timer = p.clock.AfterFunc(timeout, func() {
		if resolved, ok := p.Resolve(actionID); ok {
			onTimeout(resolved)
		}
	})
	p.commands[actionID] = cmd
}

// Resolve removes and returns the command for actionID. The second
// return is false when no such command is in flight (expired,
// duplicate, or never forwarded), in which case the caller drops the
// result.
func (p *pendingCommands) Resolve(actionID string) (pendingCommand, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd, ok := p.commands[actionID]
	if !ok {
		return pendingCommand{}, false
	}
	delete(p.commands, actionID)
	cmd.timer.Stop()
	return *cmd, true
}

// AbandonAll drops every in-flight command without notifying anyone.
// Used at shutdown: clients observe abandoned commands as timeouts.
func (p *pendingCommands) AbandonAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, cmd := range p.commands {
		cmd.timer.Stop()
		delete(p.commands, id)
	}
}

// Len returns the number of in-flight commands.
func (p *pendingCommands) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.commands)
}
