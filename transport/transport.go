// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultPort is the vsock port the host file server listens on.
const DefaultPort = 10001

// Dialer opens a connection to the host file server. Implementations
// carry their destination; Dial takes no address.
type Dialer interface {
	Dial() (net.Conn, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func() (net.Conn, error)

// Dial calls the wrapped function.
func (f DialerFunc) Dial() (net.Conn, error) {
	return f()
}

// UnixDialer dials the host-side Unix socket for a vsock port. This
// reaches the same listener a VMM would forward guest vsock
// connections to, without a VM in between.
type UnixDialer struct {
	// Path is the vsock device socket path; the actual socket dialed
	// is Path with the port appended (see SocketPath).
	Path string

	// Port selects the host service. Zero means DefaultPort.
	Port uint32

	// Timeout bounds the connection attempt. Zero means no limit.
	Timeout time.Duration
}

var _ Dialer = (*UnixDialer)(nil)

// Dial connects to the socket.
func (d *UnixDialer) Dial() (net.Conn, error) {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	socketPath := SocketPath(d.Path, port)
	conn, err := net.DialTimeout("unix", socketPath, d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return conn, nil
}

// SocketPath returns the host-side Unix socket path for a vsock port:
// the vsock device path with an underscore and the port appended,
// following the Firecracker convention.
func SocketPath(vsockPath string, port uint32) string {
	return fmt.Sprintf("%s_%d", vsockPath, port)
}

// ListenUnix binds the host-side Unix socket for a vsock port,
// removing any stale socket file left by a previous run.
func ListenUnix(vsockPath string, port uint32) (net.Listener, error) {
	socketPath := SocketPath(vsockPath, port)
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return listener, nil
}
