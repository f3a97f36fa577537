// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/spyglass-dev/spyglass/lib/clock"
	"github.com/spyglass-dev/spyglass/relay"
)

// State is the client's connection state.
type State int

const (
	// StateDisconnected means no socket and no dial in progress
	// (initial state, and the state during backoff waits).
	StateDisconnected State = iota

	// StateConnecting means a dial or registration handshake is in
	// progress.
	StateConnecting

	// StateActive means the client is registered and streaming.
	StateActive
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ActionHandler answers a dashboard-triggered action. The returned
// value travels back as the ACTION_RESULT data; a non-nil error turns
// into a failure result with the error text as the message.
type ActionHandler func(action string, args relay.Value) (relay.Value, error)

// Config configures a Client.
type Config struct {
	// URL is the producer endpoint (e.g. "ws://192.168.1.20:9850/ws/app").
	// Leave empty to discover the relay via UDP broadcast.
	URL string

	// DiscoveryService, DiscoveryPort, and DiscoveryWindow configure
	// the UDP discovery fallback used when URL is empty.
	DiscoveryService string
	DiscoveryPort    int
	DiscoveryWindow  time.Duration

	// Metadata describes this producer (app name, device info).
	// Required: the relay rejects registrations without it.
	Metadata relay.Value

	// UISchema is the declarative dashboard schema, stored verbatim
	// by the relay.
	UISchema relay.Value

	// OnAction handles dashboard commands. Optional; without it
	// every action fails with "no action handler".
	OnAction ActionHandler

	// Backoff shapes the reconnect delays. Zero-value fields get
	// defaults (500ms initial, 30s max, factor 2).
	Backoff Backoff

	// Clock is the time source. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client streams telemetry to a Spyglass relay and survives relay
// restarts by reconnecting with a stable resume token.
//
// SendData and SendLog are safe for concurrent use; frames sent while
// the client is not Active are dropped with an error so instrumented
// code never blocks on a dead link.
type Client struct {
	config      Config
	clock       clock.Clock
	logger      *slog.Logger
	resumeToken string

	mu        sync.Mutex
	state     State
	sessionID string
	ws        *websocket.Conn
}

// New creates a Client. The resume token is generated here and kept
// for the client's lifetime.
func New(cfg Config) (*Client, error) {
	if cfg.Metadata.IsNull() {
		return nil, fmt.Errorf("client: Metadata is required")
	}
	if cfg.URL == "" && cfg.DiscoveryService == "" {
		return nil, fmt.Errorf("client: either URL or discovery settings are required")
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 500 * time.Millisecond
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.Backoff.Factor == 0 {
		cfg.Backoff.Factor = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		config:      cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		resumeToken: uuid.NewString(),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id assigned by the relay, or "" when
// the client has never registered.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run connects and keeps the client connected until ctx is
// cancelled. Each pass through the loop is one connection lifetime:
// dial, register, stream, then a backoff wait after failure. Returns
// nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.Backoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		reconnectDelay, established, err := c.runConnection(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		// A connection that registered successfully resets the
		// backoff; repeated dial failures keep growing it.
		if established {
			backoff.Reset()
		}
		delay := backoff.Next()
		if err != nil {
			c.logger.Info("connection lost, reconnecting",
				"error", err, "delay", delay, "attempt", backoff.Attempts())
		} else {
			// Clean end (relay SHUTDOWN): honor its redial hint
			// instead of our own backoff.
			if reconnectDelay > 0 {
				delay = reconnectDelay
			}
			c.logger.Info("relay shut down, reconnecting", "delay", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}
	}
}

// runConnection performs one full connection lifetime. Returns the
// relay's redial hint (zero unless the relay sent SHUTDOWN), whether
// registration succeeded, and the error that ended the connection
// (nil for a clean SHUTDOWN).
func (c *Client) runConnection(ctx context.Context) (time.Duration, bool, error) {
	endpoint, err := c.resolveEndpoint(ctx)
	if err != nil {
		return 0, false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return 0, false, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer ws.Close()

	if err := c.register(ws); err != nil {
		return 0, false, err
	}

	// Tear the socket down when ctx ends so the read loop unblocks.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	c.mu.Lock()
	c.ws = ws
	c.state = StateActive
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	c.logger.Info("registered with relay", "session_id", c.SessionID(), "endpoint", endpoint)
	hint, err := c.readLoop(ws)
	return hint, true, err
}

// resolveEndpoint returns the configured URL, or discovers the relay
// over UDP when none was configured.
func (c *Client) resolveEndpoint(ctx context.Context) (string, error) {
	if c.config.URL != "" {
		return c.config.URL, nil
	}

	window := c.config.DiscoveryWindow
	if window <= 0 {
		window = 15 * time.Second
	}
	listenCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	found, err := relay.Listen(listenCtx, c.config.DiscoveryService, c.config.DiscoveryPort)
	if err != nil {
		return "", fmt.Errorf("discovering relay: %w", err)
	}
	endpoint := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", found.Host, found.Announcement.WebSocketPort),
		Path:   "/ws/app",
	}
	return endpoint.String(), nil
}

// register sends REGISTER and waits for REGISTERED. Any other reply
// (ERROR, typically) fails the connection attempt.
func (c *Client) register(ws *websocket.Conn) error {
	frame, err := encodeFrame(c.clock, relay.TypeRegister, "", relay.RegisterPayload{
		ProtocolVersion: relay.ProtocolVersion,
		Metadata:        c.config.Metadata,
		UISchema:        c.config.UISchema,
		ResumeToken:     c.resumeToken,
	})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("sending REGISTER: %w", err)
	}

	_, reply, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting REGISTERED: %w", err)
	}
	envelope, err := relay.DecodeEnvelope(reply)
	if err != nil {
		return fmt.Errorf("parsing registration reply: %w", err)
	}
	switch envelope.Type {
	case relay.TypeRegistered:
		var payload relay.RegisteredPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return fmt.Errorf("parsing REGISTERED payload: %w", err)
		}
		c.mu.Lock()
		c.sessionID = payload.SessionID
		c.mu.Unlock()
		return nil
	case relay.TypeError:
		var payload relay.ErrorPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return fmt.Errorf("registration rejected (unparseable error)")
		}
		return &relay.RelayError{Code: payload.Code, Message: payload.Message}
	default:
		return fmt.Errorf("unexpected %s while awaiting REGISTERED", envelope.Type)
	}
}

// readLoop consumes relay-to-producer messages until the socket dies
// or the relay announces shutdown.
func (c *Client) readLoop(ws *websocket.Conn) (time.Duration, error) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("reading: %w", err)
		}
		envelope, err := relay.DecodeEnvelope(frame)
		if err != nil {
			c.logger.Warn("unparseable frame from relay", "error", err)
			continue
		}

		switch envelope.Type {
		case relay.TypeAction:
			c.handleAction(envelope)
		case relay.TypeError:
			var payload relay.ErrorPayload
			if err := json.Unmarshal(envelope.Payload, &payload); err == nil {
				c.logger.Warn("relay reported error", "code", payload.Code, "message", payload.Message)
			}
		case relay.TypeShutdown:
			var payload relay.ShutdownPayload
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				return 0, nil
			}
			return time.Duration(payload.ReconnectAfterMS) * time.Millisecond, nil
		default:
			c.logger.Debug("ignoring unexpected frame", "type", envelope.Type)
		}
	}
}

// handleAction runs the action handler and replies with an
// ACTION_RESULT. Handlers run on the read loop: actions are rare,
// interactive operations and ordering with subsequent actions is
// worth more than parallelism.
func (c *Client) handleAction(envelope relay.Envelope) {
	var payload relay.ActionPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		c.logger.Warn("malformed ACTION from relay", "error", err)
		return
	}

	result := relay.ActionResultPayload{ActionID: payload.ActionID}
	if c.config.OnAction == nil {
		result.Message = "no action handler"
	} else if data, err := c.config.OnAction(payload.Action, payload.Args); err != nil {
		result.Message = err.Error()
	} else {
		result.Success = true
		result.Data = data
	}

	if err := c.sendFrame(relay.TypeActionResult, "", result); err != nil {
		c.logger.Warn("sending action result failed",
			"action_id", payload.ActionID, "error", err)
	}
}

// SendData streams one telemetry payload. Fails fast when the client
// is not Active.
func (c *Client) SendData(payload relay.Value) error {
	return c.sendFrame(relay.TypeData, "", payload)
}

// SendLog streams one log entry. Fails fast when the client is not
// Active.
func (c *Client) SendLog(entry relay.LogPayload) error {
	return c.sendFrame(relay.TypeLog, "", entry)
}

// sendFrame encodes and writes one frame under the connection lock.
func (c *Client) sendFrame(messageType, sessionID string, payload any) error {
	frame, err := encodeFrame(c.clock, messageType, sessionID, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.ws == nil {
		return fmt.Errorf("client: not connected (state %s)", c.state)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s: %w", messageType, err)
	}
	return nil
}

// setState updates the state unless a connection already moved it
// (runConnection sets Active itself, under the same lock as the
// socket swap).
func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// encodeFrame builds the wire bytes for a producer-originated message.
func encodeFrame(c clock.Clock, messageType, sessionID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", messageType, err)
		}
		raw = encoded
	}
	frame, err := json.Marshal(relay.Envelope{
		Type:      messageType,
		Timestamp: c.Now().UTC(),
		SessionID: sessionID,
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", messageType, err)
	}
	return frame, nil
}
