// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// workspacefs-agent is the guest-side workspace agent. Its primary job
// is mounting the host-backed workspace namespace over FUSE so that
// unmodified guest binaries read host files through the local cache.
//
// Beyond mounting, it carries operator verbs for poking at the system
// from inside a guest: stat/cat/ls talk to the host file server
// directly over the configured transport, and "cache digest" hashes
// the local cache so two caches (or a cache and a host tree) can be
// compared without shipping their contents.
//
// Configuration comes from the file named by WORKSPACEFS_CONFIG, or
// from --config, or from built-in defaults that match the standard
// VMM socket forwarding layout. Run with no subcommand to mount.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/workspacefs/cache"
	"github.com/bureau-foundation/workspacefs/cache/attrlog"
	"github.com/bureau-foundation/workspacefs/lib/config"
	"github.com/bureau-foundation/workspacefs/lib/version"
	"github.com/bureau-foundation/workspacefs/metrics"
	"github.com/bureau-foundation/workspacefs/protocol"
	"github.com/bureau-foundation/workspacefs/remote"
	workspacefuse "github.com/bureau-foundation/workspacefs/workspace/fuse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return runMount(nil)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "mount":
		return runMount(os.Args[2:])
	case "stat":
		return runStat(os.Args[2:])
	case "cat":
		return runCat(os.Args[2:])
	case "ls":
		return runLs(os.Args[2:])
	case "cache":
		return runCache(os.Args[2:])
	case "version":
		fmt.Printf("workspacefs-agent %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: workspacefs-agent [subcommand] [flags]

Subcommands:
  mount         Mount the workspace over FUSE (the default)
  stat          Print host attributes for a path
  cat           Stream a host file to stdout
  ls            List a host directory
  cache digest  Hash the local cache for comparison
  version       Print version information

Paths given to stat, cat, and ls are relative to the tree the host
file server exports. With no subcommand the agent mounts the
workspace using the configuration from WORKSPACEFS_CONFIG (or the
built-in defaults).

Environment:
  WORKSPACEFS_CONFIG  Path to the configuration file
  WORKSPACEFS_DEBUG   Enable debug logging

Run 'workspacefs-agent <subcommand> --help' for subcommand flags.
`)
}

// loadConfig resolves the effective configuration: an explicit
// --config path wins over WORKSPACEFS_CONFIG, which wins over the
// defaults. The result is always validated.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// quietLogger is used by the one-shot verbs: warnings and errors only,
// human-readable, so transient transport noise does not pollute output
// that operators pipe elsewhere.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// connect builds the remote client the one-shot verbs use. The client
// dials lazily, so construction never touches the network.
func connect(cfg *config.Config, logger *slog.Logger) (*remote.Client, error) {
	client, err := remote.New(remote.Options{
		Dialer:  cfg.Dialer(),
		Timeout: cfg.Timeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating host client: %w", err)
	}
	return client, nil
}

func runMount(args []string) error {
	flags := pflag.NewFlagSet("mount", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to configuration file (overrides WORKSPACEFS_CONFIG)")
	allowOther := flags.Bool("allow-other", false, "let other users read through the mount")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
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

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	set := metrics.NewSet()

	client, err := remote.New(remote.Options{
		Dialer:  cfg.Dialer(),
		Timeout: cfg.Timeout(),
		Logger:  logger,
		Metrics: set,
	})
	if err != nil {
		return fmt.Errorf("creating host client: %w", err)
	}
	defer client.Close()

	// The journal is advisory: a mount without one still works, it
	// just re-stats the host for attributes after a restart.
	var journal *attrlog.Log
	if journalPath := cfg.JournalPath(); journalPath != "" {
		journal, err = attrlog.Open(journalPath)
		if err != nil {
			logger.Warn("attribute journal unavailable", "path", journalPath, "error", err)
			journal = nil
		} else {
			defer journal.Close()
		}
	}

	store, err := cache.New(cache.Options{
		Root:    cfg.Cache.Root,
		Remote:  client,
		Journal: journal,
		Logger:  logger,
		Metrics: set,
	})
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	fuseServer, err := workspacefuse.Mount(workspacefuse.Options{
		Mountpoint: cfg.Mountpoint(),
		Cache:      store,
		Remote:     client,
		Journal:    journal,
		AllowOther: cfg.Workspace.AllowOther || *allowOther,
		Logger:     logger,
		Metrics:    set,
	})
	if err != nil {
		return fmt.Errorf("mounting workspace: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: set.Handler(),
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("workspace mounted",
		"mountpoint", cfg.Mountpoint(),
		"cache", cfg.Cache.Root,
		"journal", cfg.JournalPath(),
	)

	unmounted := make(chan struct{})
	go func() {
		fuseServer.Wait()
		close(unmounted)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := fuseServer.Unmount(); err != nil {
			logger.Error("failed to unmount workspace", "error", err)
		}
		<-unmounted
	case <-unmounted:
		// fusermount -u or a crashed kernel connection; nothing
		// left to tear down on our side.
		logger.Info("workspace unmounted externally")
	}
	return nil
}

func runStat(args []string) error {
	flags := pflag.NewFlagSet("stat", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to configuration file (overrides WORKSPACEFS_CONFIG)")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: workspacefs-agent stat <path>")
	}
	relPath := flags.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	client, err := connect(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer client.Close()

	attrs, err := client.Stat(relPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", relPath, err)
	}

	fmt.Printf("path:\t%s\n", relPath)
	fmt.Printf("mode:\t%s\n", attrs.FileMode())
	fmt.Printf("size:\t%d\n", attrs.Size)
	fmt.Printf("mtime:\t%s\n", time.Unix(attrs.ModTime, 0).UTC().Format(time.RFC3339))
	return nil
}

func runCat(args []string) error {
	flags := pflag.NewFlagSet("cat", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to configuration file (overrides WORKSPACEFS_CONFIG)")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: workspacefs-agent cat <path>")
	}
	relPath := flags.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	client, err := connect(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer client.Close()

	// The server answers at most one chunk per READ; a zero-length
	// chunk marks end of file.
	var offset uint64
	for {
		data, err := client.Read(relPath, offset, protocol.ChunkSize)
		if err != nil {
			return fmt.Errorf("read %s at offset %d: %w", relPath, offset, err)
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		offset += uint64(len(data))
	}
}

func runLs(args []string) error {
	flags := pflag.NewFlagSet("ls", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to configuration file (overrides WORKSPACEFS_CONFIG)")
	flags.Parse(args)

	if flags.NArg() > 1 {
		return fmt.Errorf("usage: workspacefs-agent ls [path]")
	}
	relPath := ""
	if flags.NArg() == 1 {
		relPath = flags.Arg(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	client, err := connect(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.ReadDir(relPath)
	if err != nil {
		if relPath == "" {
			relPath = "/"
		}
		return fmt.Errorf("ls %s: %w", relPath, err)
	}

	for _, entry := range entries {
		if entry.IsDir {
			fmt.Printf("%s/\n", entry.Name)
		} else {
			fmt.Println(entry.Name)
		}
	}
	return nil
}

func runCache(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: workspacefs-agent cache digest [flags]")
	}
	switch args[0] {
	case "digest":
		return runCacheDigest(args[1:])
	default:
		return fmt.Errorf("unknown cache subcommand: %q", args[0])
	}
}

// runCacheDigest hashes the local cache. The default output is a
// single tree digest (compare two of them for equality); --files
// prints one line per cached object in b3sum format instead, which
// diffs cleanly against the same listing taken elsewhere.
func runCacheDigest(args []string) error {
	flags := pflag.NewFlagSet("cache digest", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to configuration file (overrides WORKSPACEFS_CONFIG)")
	perFile := flags.Bool("files", false, "print a digest per cached file instead of the tree digest")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if *perFile {
		return printFileDigests(cfg.Cache.Root)
	}

	// The client is needed only to satisfy cache construction; the
	// digest never touches the host.
	client, err := connect(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := cache.New(cache.Options{
		Root:   cfg.Cache.Root,
		Remote: client,
		Logger: quietLogger(),
	})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}

	digest, err := store.Digest()
	if err != nil {
		return err
	}
	fmt.Println(digest)
	return nil
}

// printFileDigests walks the cache root in lexical order and prints
// "<blake3>  <relative path>" per regular file. Fetch temp files are
// skipped, matching the tree digest.
func printFileDigests(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if strings.Contains(entry.Name(), ".fetch-") {
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		digest, err := fileDigest(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", digest, relPath)
		return nil
	})
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
