// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// workspacefs-server is the host half of workspace virtualization: it
// exports one directory tree, read-only, to guest agents speaking the
// workspace wire protocol (STAT, READ, READDIR over length-prefixed
// frames).
//
// In production it listens on the unix socket a VMM exposes for a
// guest vsock port ("<vsock-path>_<port>", the Firecracker
// convention). For development --listen accepts a TCP address
// instead. A relative request path can never escape the served root;
// a path that tries resolves to "not found", indistinguishable from
// absence.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/workspacefs/lib/config"
	"github.com/bureau-foundation/workspacefs/lib/version"
	"github.com/bureau-foundation/workspacefs/server"
	"github.com/bureau-foundation/workspacefs/transport"
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
		root        string
		vsockPath   string
		port        uint32
		listenAddr  string
		showVersion bool
	)

	flags := pflag.NewFlagSet("workspacefs-server", pflag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "path to configuration file (overrides WORKSPACEFS_CONFIG)")
	flags.StringVar(&root, "root", "", "directory tree to export (overrides serve.root)")
	flags.StringVar(&vsockPath, "vsock-path", "", "base path of the VMM's vsock unix socket (overrides transport.vsock_path)")
	flags.Uint32Var(&port, "port", 0, "guest port the socket is registered under (overrides transport.port)")
	flags.StringVar(&listenAddr, "listen", "", "TCP listen address for development (e.g. 127.0.0.1:9123)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("workspacefs-server %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Flags win over the configuration file.
	if root == "" {
		root = cfg.Serve.Root
	}
	if root == "" {
		return fmt.Errorf("--root (or serve.root in the configuration) is required")
	}
	if vsockPath == "" {
		vsockPath = cfg.Transport.VsockPath
	}
	if port == 0 {
		port = cfg.Transport.Port
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if os.Getenv("WORKSPACEFS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	fileServer, err := server.New(server.Options{
		Root:   root,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var listener net.Listener
	switch {
	case listenAddr != "":
		listener, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listenAddr, err)
		}
	case vsockPath != "":
		listener, err = transport.ListenUnix(vsockPath, port)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", transport.SocketPath(vsockPath, port), err)
		}
	default:
		return fmt.Errorf("--listen or --vsock-path (or transport.vsock_path in the configuration) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("file server running",
		"root", fileServer.Root(),
		"addr", listener.Addr().String(),
	)

	// Serve owns the listener: it closes it on context cancellation
	// and returns once active connections have drained.
	if err := fileServer.Serve(ctx, listener); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("file server stopped")
	return nil
}
