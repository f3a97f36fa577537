// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/spyglass-dev/spyglass/lib/clock"
	"github.com/spyglass-dev/spyglass/lib/config"
	"github.com/spyglass-dev/spyglass/lib/version"
	"github.com/spyglass-dev/spyglass/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		wsAddress   string
		httpAddress string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("spyglass-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (overrides SPYGLASS_CONFIG)")
	flagSet.StringVar(&wsAddress, "ws-address", "", "override listen.websocket_address")
	flagSet.StringVar(&httpAddress, "http-address", "", "override listen.http_address")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("spyglass-relay %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if wsAddress != "" {
		cfg.Listen.WebSocketAddress = wsAddress
	}
	if httpAddress != "" {
		cfg.Listen.HTTPAddress = httpAddress
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	metrics := &relay.Metrics{}

	registry := relay.NewRegistry(relay.RegistryConfig{
		DataCapacity:   cfg.Buffers.DataCapacity,
		LogCapacity:    cfg.Buffers.LogCapacity,
		EndedTTL:       cfg.Sessions.EndedTTL.Std(),
		ResumeCooldown: cfg.Sessions.ResumeCooldown.Std(),
		Clock:          clk,
		Logger:         logger,
	})
	router := relay.NewRouter(relay.RouterConfig{
		Registry:       registry,
		CommandTimeout: cfg.Commands.Timeout.Std(),
		Clock:          clk,
		Logger:         logger,
		Metrics:        metrics,
	})
	server := relay.NewServer(relay.ServerConfig{
		WebSocketAddress: cfg.Listen.WebSocketAddress,
		HTTPAddress:      cfg.Listen.HTTPAddress,
		MaxConnections:   cfg.Limits.MaxConnections,
		MaxMessageBytes:  cfg.Limits.MaxMessageBytes,
		Registry:         registry,
		Router:           router,
		Clock:            clk,
		Logger:           logger,
		Metrics:          metrics,
	})

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	// Discovery starts after the listeners are bound so the announced
	// ports are the resolved ones (matters with port 0 in ad-hoc runs).
	if cfg.Discovery.Enabled {
		select {
		case <-server.Ready():
		case err := <-serveDone:
			return err
		}
		broadcaster := relay.NewBroadcaster(relay.BroadcasterConfig{
			Service:       cfg.Discovery.Service,
			WebSocketPort: addrPort(server.WebSocketAddr()),
			HTTPPort:      addrPort(server.HTTPAddr()),
			Port:          cfg.Discovery.Port,
			Interval:      cfg.Discovery.Interval.Std(),
			Clock:         clk,
			Logger:        logger,
		})
		go func() {
			if err := broadcaster.Run(ctx); err != nil {
				logger.Warn("discovery broadcaster stopped", "error", err)
			}
		}()
	}

	logger.Info("spyglass relay running",
		"version", version.Short(),
		"websocket", cfg.Listen.WebSocketAddress,
		"http", cfg.Listen.HTTPAddress,
		"discovery", cfg.Discovery.Enabled,
	)

	return <-serveDone
}

// loadConfig reads the config from --config, falling back to
// SPYGLASS_CONFIG and then to the built-in localhost defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}

// addrPort extracts the numeric port from a bound listener address.
func addrPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0
	}
	return port
}
