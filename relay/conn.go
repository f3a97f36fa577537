// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Role distinguishes the two connection classes.
type Role int

const (
	// RoleProducer is an app streaming telemetry in.
	RoleProducer Role = iota
	// RoleConsumer is a dashboard observing sessions.
	RoleConsumer
)

// String returns the role name for logging.
func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// sendQueueCapacity bounds the per-connection outbound queue. A
// consumer that cannot drain this many frames is losing data anyway;
// the overflow policy drops its oldest queued frame rather than
// stalling fan-out to everyone else.
const sendQueueCapacity = 256

// writeTimeout bounds a single WebSocket write. A peer that cannot
// accept a frame within this window is treated as dead.
const writeTimeout = 10 * time.Second

// socket is the transport surface Conn needs. *websocket.Conn
// implements it; tests substitute an in-memory fake.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is a live connection handle: one per accepted WebSocket, of
// either role. It owns a bounded outbound queue drained by a single
// writer goroutine, so fan-out never blocks on a slow socket and
// writes are serialized without a per-write lock.
type Conn struct {
	role   Role
	ws     socket
	logger *slog.Logger

	// sessionID is the bound session for producer connections once
	// registered. Guarded by mu; the read loop writes it once and
	// the router reads it.
	mu        sync.Mutex
	sessionID string

	queue   chan []byte
	closed  chan struct{}
	closeWS sync.Once

	// dropped counts frames discarded by the overflow policy.
	dropped atomic.Uint64
}

// newConn wraps an accepted socket. Call run on a fresh goroutine to
// start the writer.
func newConn(role Role, ws socket, logger *slog.Logger) *Conn {
	return &Conn{
		role:   role,
		ws:     ws,
		logger: logger,
		queue:  make(chan []byte, sendQueueCapacity),
		closed: make(chan struct{}),
	}
}

// SessionID returns the bound session id, or "" before registration.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// bindSession records the session this producer connection serves.
func (c *Conn) bindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// send queues a frame for delivery. Never blocks: when the queue is
// full, the oldest queued frame is dropped to make room (liveness
// over completeness). Frames queued after Close are discarded.
func (c *Conn) send(frame []byte) {
	for {
		select {
		case <-c.closed:
			return
		case c.queue <- frame:
			return
		default:
		}
		// Queue full: evict the oldest frame and retry. The writer
		// may have drained concurrently, making the eviction a no-op.
		select {
		case <-c.queue:
			c.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of frames lost to queue overflow.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// run drains the queue onto the socket until the connection closes.
// Runs on its own goroutine; exits when Close is called or a write
// fails.
func (c *Conn) run() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.queue:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed, closing connection",
					"role", c.role.String(), "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close tears down the connection. Idempotent; safe from any
// goroutine. Closing the underlying socket also unblocks the read
// loop, which handles deregistration.
func (c *Conn) Close() {
	c.closeWS.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// Closed returns a channel closed when the connection is torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }
