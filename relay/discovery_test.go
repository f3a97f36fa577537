// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/spyglass-dev/spyglass/lib/clock"
)

// freeUDPPort grabs an ephemeral UDP port and releases it. The tiny
// reuse race is acceptable in tests.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	socket, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free UDP port: %v", err)
	}
	port := socket.LocalAddr().(*net.UDPAddr).Port
	socket.Close()
	return port
}

func TestDiscoveryBroadcastReachesListener(t *testing.T) {
	t.Parallel()

	port := freeUDPPort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	broadcaster := NewBroadcaster(BroadcasterConfig{
		Service:       "spyglass-test",
		WebSocketPort: 9850,
		HTTPPort:      9851,
		Port:          port,
		Interval:      20 * time.Millisecond,
		Target:        net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Clock:         clock.Real(),
		Logger:        discardLogger(),
	})
	go broadcaster.Run(ctx)

	found, err := Listen(ctx, "spyglass-test", port)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if found.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", found.Host)
	}
	if found.Announcement.WebSocketPort != 9850 {
		t.Errorf("WebSocketPort = %d, want 9850", found.Announcement.WebSocketPort)
	}
	if found.Announcement.HTTPPort != 9851 {
		t.Errorf("HTTPPort = %d, want 9851", found.Announcement.HTTPPort)
	}
	if found.Announcement.Service != "spyglass-test" {
		t.Errorf("Service = %q", found.Announcement.Service)
	}
}

func TestDiscoveryListenIgnoresForeignTraffic(t *testing.T) {
	t.Parallel()

	port := freeUDPPort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Unparseable and wrong-service datagrams first, then a match.
	go func() {
		socket, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return
		}
		defer socket.Close()
		destination, err := net.ResolveUDPAddr("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		for i := 0; i < 20; i++ {
			socket.WriteTo([]byte("not json"), destination)
			socket.WriteTo([]byte(`{"service":"other","websocket_port":1}`), destination)
			socket.WriteTo([]byte(`{"service":"spyglass-test","websocket_port":7777}`), destination)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	found, err := Listen(ctx, "spyglass-test", port)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if found.Announcement.WebSocketPort != 7777 {
		t.Errorf("WebSocketPort = %d, want 7777", found.Announcement.WebSocketPort)
	}
}

func TestDiscoveryListenHonorsDeadline(t *testing.T) {
	t.Parallel()

	port := freeUDPPort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Listen(ctx, "nobody-broadcasts-this", port)
	if err == nil {
		t.Fatal("Listen succeeded with no broadcaster")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Listen blocked %v past its window", elapsed)
	}
}
