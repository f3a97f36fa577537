// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spyglass-dev/spyglass/lib/clock"
	"github.com/spyglass-dev/spyglass/lib/testutil"
	"github.com/spyglass-dev/spyglass/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetadata() relay.Value {
	return relay.Object(map[string]relay.Value{"app": relay.String("client-test")})
}

// testRelay is one relay instance bootstrapped for client tests.
type testRelay struct {
	server   *relay.Server
	registry *relay.Registry
	stop     func()
}

// startRelayAt boots a relay on the given address and registers a
// cleanup. Stop it early with relay.stop to simulate a restart.
func startRelayAt(t *testing.T, address string) *testRelay {
	t.Helper()

	real := clock.Real()
	logger := discardLogger()
	registry := relay.NewRegistry(relay.RegistryConfig{
		DataCapacity:   8,
		LogCapacity:    8,
		EndedTTL:       time.Minute,
		ResumeCooldown: time.Minute,
		Clock:          real,
		Logger:         logger,
	})
	router := relay.NewRouter(relay.RouterConfig{
		Registry:       registry,
		CommandTimeout: 5 * time.Second,
		Clock:          real,
		Logger:         logger,
	})
	server := relay.NewServer(relay.ServerConfig{
		WebSocketAddress: address,
		Registry:         registry,
		Router:           router,
		Clock:            real,
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "relay ready")

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case <-serveErr:
		case <-time.After(10 * time.Second):
			t.Error("relay did not stop within 10s")
		}
	}
	t.Cleanup(stop)
	return &testRelay{server: server, registry: registry, stop: stop}
}

// startRelay boots a relay on an ephemeral port and returns its
// producer endpoint, the registry for state assertions, and a
// connected dashboard socket.
func startRelay(t *testing.T) (string, *relay.Registry, *websocket.Conn) {
	t.Helper()

	r := startRelayAt(t, "127.0.0.1:0")
	server, registry := r.server, r.registry

	endpoint := fmt.Sprintf("ws://%s/ws/app", server.WebSocketAddr())

	dashboardURL := fmt.Sprintf("ws://%s/ws/dashboard", server.WebSocketAddr())
	dashboard, _, err := websocket.DefaultDialer.Dial(dashboardURL, nil)
	if err != nil {
		t.Fatalf("dialing dashboard endpoint: %v", err)
	}
	t.Cleanup(func() { dashboard.Close() })

	return endpoint, registry, dashboard
}

func readDashboardEnvelope(t *testing.T, ws *websocket.Conn, wantType string) relay.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("reading %s frame: %v", wantType, err)
		}
		envelope, err := relay.DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("frame does not decode: %v", err)
		}
		if envelope.Type == wantType {
			return envelope
		}
		// Skip interleaved broadcasts (SYNC, session lifecycle).
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client state = %s, want %s", c.State(), want)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{URL: "ws://localhost:9850/ws/app"}); err == nil {
		t.Error("New accepted a config without metadata")
	}
	if _, err := New(Config{Metadata: testMetadata()}); err == nil {
		t.Error("New accepted a config without URL or discovery settings")
	}
	if _, err := New(Config{URL: "ws://localhost:9850/ws/app", Metadata: testMetadata()}); err != nil {
		t.Errorf("New rejected a valid config: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateActive, "active"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", int(tc.state), got, tc.want)
		}
	}
}

func TestClientSendFailsWhenDisconnected(t *testing.T) {
	t.Parallel()

	c, err := New(Config{
		URL:      "ws://localhost:1/ws/app",
		Metadata: testMetadata(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.SendData(relay.Int(1)); err == nil {
		t.Error("SendData succeeded without a connection")
	}
	if err := c.SendLog(relay.LogPayload{Level: "info", Message: "x"}); err == nil {
		t.Error("SendLog succeeded without a connection")
	}
}

func TestClientRegistersAndStreams(t *testing.T) {
	t.Parallel()

	endpoint, registry, dashboard := startRelay(t)

	c, err := New(Config{
		URL:      endpoint,
		Metadata: testMetadata(),
		UISchema: relay.String("schema"),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	waitForState(t, c, StateActive)
	if c.SessionID() == "" {
		t.Fatal("SessionID empty after registration")
	}
	if !registry.Has(c.SessionID()) {
		t.Fatalf("registry does not know session %s", c.SessionID())
	}

	if err := c.SendData(relay.Object(map[string]relay.Value{"fps": relay.Int(58)})); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	envelope := readDashboardEnvelope(t, dashboard, relay.TypeSessionData)
	if envelope.SessionID != c.SessionID() {
		t.Errorf("SESSION_DATA for %s, want %s", envelope.SessionID, c.SessionID())
	}

	if err := c.SendLog(relay.LogPayload{Level: "info", Message: "streaming"}); err != nil {
		t.Fatalf("SendLog failed: %v", err)
	}
	readDashboardEnvelope(t, dashboard, relay.TypeSessionLog)

	cancel()
	if err := testutil.RequireReceive(t, runDone, 10*time.Second, "Run returning"); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestClientAnswersActions(t *testing.T) {
	t.Parallel()

	endpoint, _, dashboard := startRelay(t)

	handled := make(chan string, 1)
	c, err := New(Config{
		URL:      endpoint,
		Metadata: testMetadata(),
		OnAction: func(action string, args relay.Value) (relay.Value, error) {
			handled <- action
			return relay.String("done"), nil
		},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForState(t, c, StateActive)

	frame := relay.Envelope{
		Type:      relay.TypeAction,
		Timestamp: time.Now().UTC(),
		SessionID: c.SessionID(),
	}
	payload, _ := json.Marshal(relay.ActionPayload{ActionID: "a1", Action: "dump-threads"})
	frame.Payload = payload
	raw, _ := json.Marshal(frame)
	if err := dashboard.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("sending ACTION: %v", err)
	}

	if got := testutil.RequireReceive(t, handled, 5*time.Second, "action handled"); got != "dump-threads" {
		t.Errorf("handler saw action %q, want dump-threads", got)
	}

	envelope := readDashboardEnvelope(t, dashboard, relay.TypeActionResult)
	var result relay.ActionResultPayload
	if err := json.Unmarshal(envelope.Payload, &result); err != nil {
		t.Fatalf("ACTION_RESULT payload does not decode: %v", err)
	}
	if !result.Success || result.ActionID != "a1" {
		t.Errorf("result = %+v", result)
	}
	if s, _ := result.Data.AsString(); s != "done" {
		t.Errorf("result data = %q, want done", s)
	}
}

func TestClientActionWithoutHandlerFails(t *testing.T) {
	t.Parallel()

	endpoint, _, dashboard := startRelay(t)

	c, err := New(Config{
		URL:      endpoint,
		Metadata: testMetadata(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForState(t, c, StateActive)

	payload, _ := json.Marshal(relay.ActionPayload{ActionID: "a1", Action: "gc"})
	raw, _ := json.Marshal(relay.Envelope{
		Type:      relay.TypeAction,
		Timestamp: time.Now().UTC(),
		SessionID: c.SessionID(),
		Payload:   payload,
	})
	if err := dashboard.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("sending ACTION: %v", err)
	}

	envelope := readDashboardEnvelope(t, dashboard, relay.TypeActionResult)
	var result relay.ActionResultPayload
	if err := json.Unmarshal(envelope.Payload, &result); err != nil {
		t.Fatalf("ACTION_RESULT payload does not decode: %v", err)
	}
	if result.Success {
		t.Error("result reports success with no handler configured")
	}
	if result.Message != "no action handler" {
		t.Errorf("result message = %q", result.Message)
	}
}

func TestClientReconnectsAfterRelayRestart(t *testing.T) {
	t.Parallel()

	first := startRelayAt(t, "127.0.0.1:0")
	address := first.server.WebSocketAddr().String()

	c, err := New(Config{
		URL:      fmt.Sprintf("ws://%s/ws/app", address),
		Metadata: testMetadata(),
		Backoff:  Backoff{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2},
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForState(t, c, StateActive)

	// Restart: stop the relay, bring a fresh one up on the same port.
	// The client honors the SHUTDOWN redial hint and reconnects.
	first.stop()
	waitForState(t, c, StateDisconnected)
	second := startRelayAt(t, address)

	waitForState(t, c, StateActive)
	if !second.registry.Has(c.SessionID()) {
		t.Errorf("restarted relay does not know session %s", c.SessionID())
	}
}
