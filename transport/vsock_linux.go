// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// VsockDialer dials the host over AF_VSOCK from inside a guest.
type VsockDialer struct {
	// CID addresses the peer. Zero means unix.VMADDR_CID_HOST, the
	// reserved CID of the hypervisor host.
	CID uint32

	// Port selects the host service. Zero means DefaultPort.
	Port uint32
}

var _ Dialer = (*VsockDialer)(nil)

// Dial connects to the host endpoint. The connect itself is a
// blocking kernel call; callers bound individual reads and writes
// with deadlines on the returned connection.
func (d *VsockDialer) Dial() (net.Conn, error) {
	cid := d.CID
	if cid == 0 {
		cid = unix.VMADDR_CID_HOST
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating vsock socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to vsock %d:%d: %w", cid, port, err)
	}

	// Non-blocking mode lets os.NewFile register the descriptor with
	// the runtime poller, which is what makes SetDeadline work on the
	// wrapped connection.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting vsock socket non-blocking: %w", err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("vsock:%d:%d", cid, port))
	return &vsockConn{file: file, cid: cid, port: port}, nil
}

// vsockConn adapts an AF_VSOCK descriptor to net.Conn. The net
// package cannot classify vsock descriptors itself, so deadlines and
// I/O go through the os.File poller integration.
type vsockConn struct {
	file *os.File
	cid  uint32
	port uint32
}

var _ net.Conn = (*vsockConn)(nil)

func (c *vsockConn) Read(p []byte) (int, error)  { return c.file.Read(p) }
func (c *vsockConn) Write(p []byte) (int, error) { return c.file.Write(p) }
func (c *vsockConn) Close() error                { return c.file.Close() }

func (c *vsockConn) LocalAddr() net.Addr {
	return vsockAddr{cid: unix.VMADDR_CID_ANY}
}

func (c *vsockConn) RemoteAddr() net.Addr {
	return vsockAddr{cid: c.cid, port: c.port}
}

func (c *vsockConn) SetDeadline(t time.Time) error {
	return c.file.SetDeadline(t)
}

func (c *vsockConn) SetReadDeadline(t time.Time) error {
	return c.file.SetReadDeadline(t)
}

func (c *vsockConn) SetWriteDeadline(t time.Time) error {
	return c.file.SetWriteDeadline(t)
}

// vsockAddr is the net.Addr for a vsock endpoint.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }

func (a vsockAddr) String() string {
	return fmt.Sprintf("%d:%d", a.cid, a.port)
}
