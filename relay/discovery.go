// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spyglass-dev/spyglass/lib/clock"
	"github.com/spyglass-dev/spyglass/lib/version"
)

// Announcement is the discovery broadcast payload. Producers on the
// same network listen for it and use the datagram's source address as
// the relay host. It carries no authentication; discovery is a
// convenience layer and failure only degrades to manual host
// configuration.
type Announcement struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	WebSocketPort int    `json:"websocket_port"`
	HTTPPort      int    `json:"http_port"`
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Service is the service identity in the announcement. Required.
	Service string

	// WebSocketPort and HTTPPort are the ports announced.
	WebSocketPort int
	HTTPPort      int

	// Port is the UDP port announcements are sent to. Required.
	Port int

	// Interval is the announcement period. Required.
	Interval time.Duration

	// Target overrides the destination address, for tests. Defaults
	// to the limited broadcast address 255.255.255.255:Port.
	Target string

	// Clock is the time source. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Broadcaster periodically announces the relay's presence over UDP.
// Stateless and idempotent: every tick sends one self-contained
// datagram, and send failures are logged and retried next tick, never
// escalated — discovery must not affect relay correctness.
type Broadcaster struct {
	config  BroadcasterConfig
	payload []byte
}

// NewBroadcaster creates a Broadcaster. Panics on missing required
// fields.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Service == "" {
		panic("relay.Broadcaster: Service is required")
	}
	if cfg.Port <= 0 {
		panic("relay.Broadcaster: Port is required")
	}
	if cfg.Interval <= 0 {
		panic("relay.Broadcaster: Interval is required")
	}
	if cfg.Clock == nil {
		panic("relay.Broadcaster: Clock is required")
	}
	if cfg.Logger == nil {
		panic("relay.Broadcaster: Logger is required")
	}
	payload, err := json.Marshal(Announcement{
		Service:       cfg.Service,
		Version:       version.Short(),
		WebSocketPort: cfg.WebSocketPort,
		HTTPPort:      cfg.HTTPPort,
	})
	if err != nil {
		panic("relay.Broadcaster: encoding announcement: " + err.Error())
	}
	return &Broadcaster{config: cfg, payload: payload}
}

// Run announces every Interval until ctx is cancelled. Returns nil on
// cancellation; a socket that cannot even be opened is the only hard
// error.
func (b *Broadcaster) Run(ctx context.Context) error {
	target := b.config.Target
	if target == "" {
		target = fmt.Sprintf("255.255.255.255:%d", b.config.Port)
	}
	destination, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return fmt.Errorf("resolving broadcast target %s: %w", target, err)
	}

	socket, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("opening broadcast socket: %w", err)
	}
	defer socket.Close()

	b.config.Logger.Info("discovery broadcasting",
		"target", target, "interval", b.config.Interval)

	ticker := b.config.Clock.NewTicker(b.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := socket.WriteTo(b.payload, destination); err != nil {
				b.config.Logger.Debug("discovery send failed", "error", err)
			}
		}
	}
}

// Discovered is one received announcement plus the relay host it
// came from.
type Discovered struct {
	Announcement Announcement

	// Host is the sender's IP address, the address a producer should
	// dial.
	Host string
}

// Listen waits for one announcement matching the service name on the
// given UDP port, within the bounded window of ctx. Used by producers
// that were not configured with a relay host; callers fall back to
// manual configuration when Listen fails.
func Listen(ctx context.Context, service string, port int) (Discovered, error) {
	socket, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return Discovered{}, fmt.Errorf("opening discovery socket: %w", err)
	}
	defer socket.Close()

	// Unblock the read when the window closes.
	stop := context.AfterFunc(ctx, func() { socket.Close() })
	defer stop()

	buffer := make([]byte, 2048)
	for {
		n, sender, err := socket.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return Discovered{}, fmt.Errorf("discovery window closed: %w", ctx.Err())
			}
			return Discovered{}, fmt.Errorf("reading announcement: %w", err)
		}

		var announcement Announcement
		if err := json.Unmarshal(buffer[:n], &announcement); err != nil {
			// Unrelated broadcast traffic on the same port.
			continue
		}
		if announcement.Service != service {
			continue
		}

		host, _, err := net.SplitHostPort(sender.String())
		if err != nil {
			host = sender.String()
		}
		return Discovered{Announcement: announcement, Host: host}, nil
	}
}
