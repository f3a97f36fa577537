// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spyglass-dev/spyglass/lib/clock"
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// Registry is the session store. Required.
	Registry *Registry

	// CommandTimeout bounds ACTION correlation. Required.
	CommandTimeout time.Duration

	// Clock is the time source. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger

	// Metrics receives counters. Optional; nil disables counting.
	Metrics *Metrics
}

// Router decodes inbound frames, drives the per-producer registration
// state machine, fans telemetry out to dashboards, and correlates
// commands with their results.
//
// The router holds the live connection maps: producers by bound
// session id, consumers as a set. Frames from one producer are
// processed sequentially by that producer's read loop, so fan-out
// preserves per-session FIFO order; no ordering holds across
// sessions.
type Router struct {
	registry       *Registry
	commandTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *Metrics

	mu        sync.Mutex
	producers map[string]*Conn
	consumers map[*Conn]struct{}
}

// NewRouter creates a Router. Panics on missing required fields.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Registry == nil {
		panic("relay.Router: Registry is required")
	}
	if cfg.CommandTimeout <= 0 {
		panic("relay.Router: CommandTimeout is required")
	}
	if cfg.Clock == nil {
		panic("relay.Router: Clock is required")
	}
	if cfg.Logger == nil {
		panic("relay.Router: Logger is required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Router{
		registry:       cfg.Registry,
		commandTimeout: cfg.CommandTimeout,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        metrics,
		producers:      make(map[string]*Conn),
		consumers:      make(map[*Conn]struct{}),
	}
}

// --- Consumer lifecycle ---

// ConsumerConnected registers a dashboard connection and immediately
// sends it a SYNC built from the full registry snapshot.
func (r *Router) ConsumerConnected(conn *Conn) {
	r.mu.Lock()
	r.consumers[conn] = struct{}{}
	r.mu.Unlock()
	r.metrics.ActiveConsumers.Add(1)

	r.sendTo(conn, TypeSync, "", SyncPayload{Sessions: r.registry.SnapshotAll()})
	r.logger.Info("consumer connected")
}

// ConsumerDisconnected removes a dashboard connection. No session
// effect: consumers are not bound to sessions.
func (r *Router) ConsumerDisconnected(conn *Conn) {
	r.mu.Lock()
	_, present := r.consumers[conn]
	delete(r.consumers, conn)
	r.mu.Unlock()
	if present {
		r.metrics.ActiveConsumers.Add(-1)
		r.logger.Info("consumer disconnected")
	}
}

// --- Producer lifecycle ---

// ProducerClosed handles the loss of a producer connection. A clean
// WebSocket close is an explicit end: the session transitions to
// Ended and SESSION_ENDED is broadcast. An abnormal drop starts the
// resume cooldown and stays silent at the protocol level; dashboards
// are only told once the session truly ends (resume-cooldown expiry,
// via Sweep).
func (r *Router) ProducerClosed(conn *Conn, explicit bool) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}
	r.metrics.ActiveProducers.Add(-1)

	r.mu.Lock()
	// A resumed session may already be bound to a newer connection;
	// only the current binding is removed.
	if r.producers[sessionID] == conn {
		delete(r.producers, sessionID)
	}
	r.mu.Unlock()

	if explicit {
		if summary, ok := r.registry.End(sessionID); ok {
			r.broadcastSessionEnded(summary)
		}
		return
	}
	if summary, endedNow := r.registry.MarkDisconnected(sessionID); endedNow {
		// Session had no resume token, so the disconnect is final.
		r.broadcastSessionEnded(summary)
	}
}

// --- Frame handling ---

// HandleProducerFrame processes one frame from a producer connection.
// Returns false when the connection must be closed (pre-registration
// protocol violations).
func (r *Router) HandleProducerFrame(conn *Conn, frame []byte) bool {
	r.metrics.FramesIn.Add(1)

	envelope, err := DecodeEnvelope(frame)
	if err != nil {
		r.sendError(conn, err)
		return conn.SessionID() != ""
	}

	if conn.SessionID() == "" {
		return r.handleRegistration(conn, envelope)
	}

	switch envelope.Type {
	case TypeData:
		r.handleData(conn, envelope)
	case TypeLog:
		r.handleLog(conn, envelope)
	case TypeActionResult:
		r.handleActionResult(conn, envelope)
	default:
		// Post-registration violations keep the connection open.
		r.sendError(conn, relayError(ErrCodeInvalidMessage,
			"unexpected %s from a registered producer", envelope.Type))
	}
	return true
}

// handleRegistration drives the AwaitingRegister state. Anything but
// a valid REGISTER closes the connection.
func (r *Router) handleRegistration(conn *Conn, envelope Envelope) bool {
	if envelope.Type != TypeRegister {
		r.sendError(conn, relayError(ErrCodeSessionNotFound,
			"%s before REGISTER", envelope.Type))
		return false
	}

	var payload RegisterPayload
	if err := decodePayload(envelope, &payload); err != nil {
		r.sendError(conn, err)
		return false
	}
	if payload.ProtocolVersion != ProtocolVersion {
		r.sendError(conn, relayError(ErrCodeProtocolVersionMismatch,
			"producer speaks protocol %d, relay speaks %d", payload.ProtocolVersion, ProtocolVersion))
		return false
	}

	outcome, err := r.registry.Register(payload.Metadata, payload.UISchema, payload.ResumeToken)
	if err != nil {
		r.sendError(conn, err)
		return false
	}

	conn.bindSession(outcome.SessionID)
	r.mu.Lock()
	if previous, bound := r.producers[outcome.SessionID]; bound && previous != conn {
		// Stale binding from before the disconnect was noticed.
		previous.Close()
	}
	r.producers[outcome.SessionID] = conn
	r.mu.Unlock()
	r.metrics.ActiveProducers.Add(1)

	r.sendTo(conn, TypeRegistered, "", RegisteredPayload{SessionID: outcome.SessionID})

	announce := TypeSessionStarted
	if outcome.Resumed {
		announce = TypeSessionResumed
	}
	r.broadcast(announce, outcome.SessionID, SessionPayload{Session: outcome.Summary})
	return true
}

func (r *Router) handleData(conn *Conn, envelope Envelope) {
	var payload Value
	if len(envelope.Payload) > 0 {
		if err := payload.UnmarshalJSON(envelope.Payload); err != nil {
			r.sendError(conn, relayError(ErrCodeInvalidMessage, "malformed DATA payload: %v", err))
			return
		}
	}
	sessionID := conn.SessionID()
	r.registry.AppendData(sessionID, payload)
	r.broadcast(TypeSessionData, sessionID, payload)
}

func (r *Router) handleLog(conn *Conn, envelope Envelope) {
	var payload LogPayload
	if err := decodePayload(envelope, &payload); err != nil {
		r.sendError(conn, err)
		return
	}
	payload.Truncate()
	payload.Timestamp = r.clock.Now()

	sessionID := conn.SessionID()
	r.registry.AppendLog(sessionID, payload)
	r.broadcast(TypeSessionLog, sessionID, payload)
}

func (r *Router) handleActionResult(conn *Conn, envelope Envelope) {
	var payload ActionResultPayload
	if err := decodePayload(envelope, &payload); err != nil {
		r.sendError(conn, err)
		return
	}

	cmd, ok := r.registry.Pending().Resolve(payload.ActionID)
	if !ok {
		// Duplicate or post-timeout result: dropped, never
		// double-delivered.
		r.logger.Debug("unmatched action result dropped", "action_id", payload.ActionID)
		return
	}
	r.sendTo(cmd.consumer, TypeActionResult, cmd.sessionID, payload)
}

// HandleConsumerFrame processes one frame from a consumer connection.
// Consumers are never disconnected for protocol mistakes; misrouted
// commands degrade to synthesized failure results.
func (r *Router) HandleConsumerFrame(conn *Conn, frame []byte) {
	r.metrics.FramesIn.Add(1)

	envelope, err := DecodeEnvelope(frame)
	if err != nil {
		r.sendError(conn, err)
		return
	}
	if envelope.Type != TypeAction {
		r.sendError(conn, relayError(ErrCodeInvalidMessage,
			"unexpected %s from a consumer", envelope.Type))
		return
	}

	var payload ActionPayload
	if err := decodePayload(envelope, &payload); err != nil {
		r.sendError(conn, err)
		return
	}
	if payload.ActionID == "" {
		payload.ActionID = uuid.NewString()
	}

	sessionID := envelope.SessionID
	r.mu.Lock()
	producer, bound := r.producers[sessionID]
	r.mu.Unlock()

	if !bound {
		r.sendTo(conn, TypeActionResult, sessionID, ActionResultPayload{
			ActionID: payload.ActionID,
			Success:  false,
			Message:  ErrCodeSessionNotFound,
		})
		return
	}

	r.metrics.CommandsStarted.Add(1)
	r.registry.Pending().Add(payload.ActionID, sessionID, conn, r.commandTimeout, func(cmd pendingCommand) {
		r.metrics.CommandsTimeout.Add(1)
		r.logger.Info("command timed out", "action_id", cmd.actionID, "session_id", cmd.sessionID)
		r.sendTo(cmd.consumer, TypeActionResult, cmd.sessionID, ActionResultPayload{
			ActionID: cmd.actionID,
			Success:  false,
			Message:  ErrCodeTimeout,
		})
	})
	r.sendTo(producer, TypeAction, sessionID, payload)
}

// --- Background operations ---

// Sweep advances session lifecycle deadlines and broadcasts
// SESSION_ENDED for sessions whose resume window expired. Called
// periodically by the server.
func (r *Router) Sweep() {
	for _, summary := range r.registry.Sweep() {
		r.broadcastSessionEnded(summary)
	}
}

// Shutdown broadcasts an advisory SHUTDOWN to every producer and
// abandons in-flight commands (clients observe them as timeouts).
func (r *Router) Shutdown(reason string, reconnectAfter time.Duration) {
	r.mu.Lock()
	producers := make([]*Conn, 0, len(r.producers))
	for _, conn := range r.producers {
		producers = append(producers, conn)
	}
	r.mu.Unlock()

	payload := ShutdownPayload{
		Reason:           reason,
		ReconnectAfterMS: reconnectAfter.Milliseconds(),
	}
	for _, conn := range producers {
		r.sendTo(conn, TypeShutdown, "", payload)
	}
	r.registry.Pending().AbandonAll()
	r.logger.Info("shutdown advisory sent", "producers", len(producers), "reason", reason)
}

// --- Delivery helpers ---

// broadcast fans a message out to every live consumer. Sends are
// independent and non-blocking; a backpressured consumer drops its
// own oldest frames without affecting the rest.
func (r *Router) broadcast(messageType, sessionID string, payload any) {
	frame := encodeFrame(messageType, r.clock.Now(), sessionID, payload)

	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.consumers))
	for conn := range r.consumers {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		before := conn.Dropped()
		conn.send(frame)
		if lost := conn.Dropped() - before; lost > 0 {
			r.metrics.FramesDropped.Add(lost)
		}
		r.metrics.FramesOut.Add(1)
	}
}

func (r *Router) broadcastSessionEnded(summary SessionSummary) {
	r.broadcast(TypeSessionEnded, summary.SessionID, nil)
}

// sendTo queues one message on one connection.
func (r *Router) sendTo(conn *Conn, messageType, sessionID string, payload any) {
	conn.send(encodeFrame(messageType, r.clock.Now(), sessionID, payload))
	r.metrics.FramesOut.Add(1)
}

// sendError delivers an ERROR frame describing err. Non-RelayError
// values are masked as InternalError so internal details never reach
// the wire.
func (r *Router) sendError(conn *Conn, err error) {
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		r.logger.Error("internal error on connection", "error", err)
		relayErr = relayError(ErrCodeInternalError, "internal error")
	}
	r.metrics.ErrorsSent.Add(1)
	r.sendTo(conn, TypeError, "", ErrorPayload{Code: relayErr.Code, Message: relayErr.Message})
}
