// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for workspacefs
// components.
//
// Configuration is loaded from a single file specified by:
//   - WORKSPACEFS_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables never override
// values. The only expansion performed is ${VAR} and ${VAR:-default}
// in path fields, for portability across machines.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/workspacefs/transport"
)

// Config is the master configuration for workspacefs.
type Config struct {
	// Workspace configures the guest-side virtual namespace.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Cache configures local content storage.
	Cache CacheConfig `yaml:"cache"`

	// Transport configures the guest-to-host connection.
	Transport TransportConfig `yaml:"transport"`

	// Serve configures the host-side file server.
	Serve ServeConfig `yaml:"serve"`

	// Metrics configures the Prometheus endpoint. An empty address
	// disables it.
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel sets the minimum severity of emitted log records.
	// One of: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// WorkspaceConfig configures the virtual namespace.
type WorkspaceConfig struct {
	// Root is the reserved path prefix the library virtualizes.
	// Default: /workspace
	Root string `yaml:"root"`

	// Mountpoint is where the FUSE rendition is mounted, for guest
	// programs that do not link against the library. Defaults to
	// Root.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther permits other users to access the FUSE mount.
	// Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`
}

// CacheConfig configures local content storage.
type CacheConfig struct {
	// Root is the directory holding materialized workspace content.
	// Default: /tmp/.wscache
	Root string `yaml:"root"`

	// StateDir holds the attribute journal and other runtime state.
	// Default: /tmp/.wsstate
	StateDir string `yaml:"state_dir"`
}

// TransportConfig configures the guest-to-host connection.
type TransportConfig struct {
	// CID addresses the vsock peer. Zero means the reserved host CID.
	CID uint32 `yaml:"cid"`

	// Port selects the host file service. Default: 10001.
	Port uint32 `yaml:"port"`

	// VsockPath switches the transport to a host-side Unix socket at
	// this path (the VMM forwarding convention: path plus underscore
	// plus port). Empty means real AF_VSOCK.
	VsockPath string `yaml:"vsock_path"`

	// Timeout bounds each request/response exchange on the wire.
	// Default: 5s.
	Timeout string `yaml:"timeout"`
}

// ServeConfig configures the host-side file server.
type ServeConfig struct {
	// Root is the directory tree exported to guests.
	Root string `yaml:"root"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9090". Empty
	// disables the endpoint.
	Addr string `yaml:"addr"`
}

// Default returns the default configuration. These defaults make a
// guest agent work against a VMM-forwarded host socket with no config
// file at all; the file exists to override them.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root: "/workspace",
		},
		Cache: CacheConfig{
			Root:     "/tmp/.wscache",
			StateDir: "/tmp/.wsstate",
		},
		Transport: TransportConfig{
			Port:    transport.DefaultPort,
			Timeout: "5s",
		},
		LogLevel: "info",
	}
}

// Load loads configuration from the WORKSPACEFS_CONFIG environment
// variable, falling back to defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("WORKSPACEFS_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file's values over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in all
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WORKSPACEFS_ROOT": c.Workspace.Root,
		"HOME":             os.Getenv("HOME"),
	}

	c.Workspace.Root = expandVars(c.Workspace.Root, vars)
	vars["WORKSPACEFS_ROOT"] = c.Workspace.Root

	c.Workspace.Mountpoint = expandVars(c.Workspace.Mountpoint, vars)
	c.Cache.Root = expandVars(c.Cache.Root, vars)
	c.Cache.StateDir = expandVars(c.Cache.StateDir, vars)
	c.Transport.VsockPath = expandVars(c.Transport.VsockPath, vars)
	c.Serve.Root = expandVars(c.Serve.Root, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Workspace.Root == "" {
		errs = append(errs, fmt.Errorf("workspace.root is required"))
	} else if !filepath.IsAbs(c.Workspace.Root) {
		errs = append(errs, fmt.Errorf("workspace.root must be absolute, got %q", c.Workspace.Root))
	}

	if c.Cache.Root == "" {
		errs = append(errs, fmt.Errorf("cache.root is required"))
	} else if !filepath.IsAbs(c.Cache.Root) {
		errs = append(errs, fmt.Errorf("cache.root must be absolute, got %q", c.Cache.Root))
	}

	if c.Cache.StateDir != "" && !filepath.IsAbs(c.Cache.StateDir) {
		errs = append(errs, fmt.Errorf("cache.state_dir must be absolute, got %q", c.Cache.StateDir))
	}

	if c.Transport.Timeout != "" {
		if _, err := time.ParseDuration(c.Transport.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("transport.timeout: %w", err))
		}
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Mountpoint returns the FUSE mountpoint, defaulting to the workspace
// root.
func (c *Config) Mountpoint() string {
	if c.Workspace.Mountpoint != "" {
		return c.Workspace.Mountpoint
	}
	return c.Workspace.Root
}

// Timeout returns the parsed transport timeout. Call Validate first;
// an unparseable value falls back to the default here.
func (c *Config) Timeout() time.Duration {
	if c.Transport.Timeout == "" {
		return 5 * time.Second
	}
	timeout, err := time.ParseDuration(c.Transport.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return timeout
}

// Dialer returns the transport dialer the configuration selects: a
// Unix-socket dialer when vsock_path is set, AF_VSOCK otherwise.
func (c *Config) Dialer() transport.Dialer {
	if c.Transport.VsockPath != "" {
		return &transport.UnixDialer{
			Path:    c.Transport.VsockPath,
			Port:    c.Transport.Port,
			Timeout: c.Timeout(),
		}
	}
	return &transport.VsockDialer{
		CID:  c.Transport.CID,
		Port: c.Transport.Port,
	}
}

// SlogLevel translates the configured log level to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log_level %q (want debug, info, warn, or error)", c.LogLevel)
}

// JournalPath returns the attribute journal location under the state
// directory, or empty when no state directory is configured.
func (c *Config) JournalPath() string {
	if c.Cache.StateDir == "" {
		return ""
	}
	return filepath.Join(c.Cache.StateDir, "attrs.log")
}

// EnsurePaths creates the cache and state directories if they do not
// exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Cache.Root,
		c.Cache.StateDir,
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
