// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package transport

import (
	"fmt"
	"net"
)

// VsockDialer dials the host over AF_VSOCK from inside a guest.
// AF_VSOCK is only available on Linux guests; on other platforms
// Dial always fails and UnixDialer is the supported path.
type VsockDialer struct {
	CID  uint32
	Port uint32
}

var _ Dialer = (*VsockDialer)(nil)

// Dial reports that vsock is unsupported on this platform.
func (d *VsockDialer) Dial() (net.Conn, error) {
	return nil, fmt.Errorf("vsock transport requires linux")
}
