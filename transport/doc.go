// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport connects workspace guests to the host file server.
//
// Inside a microVM the channel is AF_VSOCK: the guest dials the
// reserved host CID on a fixed port ([VsockDialer]). On the host side,
// VMMs in the Firecracker family expose each guest-initiated vsock
// port as a Unix socket named after the vsock device path with the
// port appended; [SocketPath] produces that name and [ListenUnix]
// binds it. [UnixDialer] dials the same socket directly, which is how
// development setups and the test suite reach an in-process server
// without a VM in between.
//
// Dialers carry their full destination, so a [Dialer] takes no
// address: every call dials the one endpoint the dialer was built
// for. Connection lifetime, per-operation deadlines, and reconnect
// policy belong to the caller (see the remote package).
package transport
