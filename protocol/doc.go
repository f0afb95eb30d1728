// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire format between a workspace guest
// and the host file server.
//
// Every exchange is one frame out, one frame in. A frame is a 4-byte
// big-endian length followed by exactly that many payload bytes. The
// declared length must be nonzero and at most [MaxFrameSize]; anything
// else is a protocol violation and the connection carrying it cannot
// be trusted for further exchanges.
//
// Request payloads start with a one-byte opcode followed by the path
// as a 2-byte big-endian length and raw bytes:
//
//	STAT:    [op=1][u16 pathlen][path]
//	READ:    [op=2][u16 pathlen][path][u64 offset][u32 length]
//	READDIR: [op=3][u16 pathlen][path]
//
// Response payloads start with a one-byte status ([StatusOK],
// [StatusNotFound], or [StatusIOError] for host-side failures):
//
//	STAT:    [status][u32 mode][u64 size][u64 mtime][u8 is_dir]
//	READ:    [status][u32 count][count raw bytes]
//	READDIR: [status][u16 count] then count × [u16 namelen][name][u8 is_dir]
//
// All multi-byte integers are big-endian. Decoding is strict: a payload
// shorter than the header it claims, or a count field that disagrees
// with the bytes actually present, yields a typed error rather than a
// silently truncated result.
//
// This package is pure encoding. Connection ownership, request
// serialization, and reconnect policy live in the remote package;
// the host side lives in the server package.
package protocol
