// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hosttest provides an in-process host file server for tests.
//
// A [Host] serves a scripted file tree over a real Unix socket using
// the wire protocol, counts every operation and accepted connection,
// and can be hijacked at the frame level to exercise malformed-frame
// handling. Tests assert remote call counts against it directly, so
// properties like "zero remote calls" and "exactly one STAT" are
// observable without instrumenting the code under test.
package hosttest

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/workspacefs/lib/testutil"
	"github.com/bureau-foundation/workspacefs/protocol"
	"github.com/bureau-foundation/workspacefs/transport"
)

// Host is a minimal workspace file host. Populate it with AddFile and
// AddDir, then hand its Dialer to the code under test.
type Host struct {
	vsockPath string
	listener  net.Listener

	mu          sync.Mutex
	files       map[string][]byte
	stats       map[string]protocol.StatResult
	readOffsets []uint64
	hijack      func(conn net.Conn, request *protocol.Request) bool

	statCalls    atomic.Int64
	readCalls    atomic.Int64
	readDirCalls atomic.Int64
	accepts      atomic.Int64
}

// New starts a host on a fresh Unix socket. The listener is shut
// down when the test completes.
func New(t *testing.T) *Host {
	t.Helper()

	vsockPath := filepath.Join(testutil.SocketDir(t), "host.vsock")
	listener, err := transport.ListenUnix(vsockPath, transport.DefaultPort)
	if err != nil {
		t.Fatalf("hosttest: listen: %v", err)
	}

	host := &Host{
		vsockPath: vsockPath,
		listener:  listener,
		files:     make(map[string][]byte),
		stats:     make(map[string]protocol.StatResult),
	}
	go host.acceptLoop()
	t.Cleanup(func() {
		listener.Close()
	})
	return host
}

// Dialer returns a dialer reaching this host.
func (h *Host) Dialer() transport.Dialer {
	return &transport.UnixDialer{Path: h.vsockPath, Timeout: 5 * time.Second}
}

// AddFile registers a regular file at the given relative path.
func (h *Host) AddFile(relPath string, data []byte, mode uint32, modTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[relPath] = data
	h.stats[relPath] = protocol.StatResult{
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
}

// AddDir registers a directory at the given relative path.
func (h *Host) AddDir(relPath string, mode uint32, modTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[relPath] = protocol.StatResult{
		Mode:    mode,
		ModTime: modTime,
		IsDir:   true,
	}
}

// SetStat overrides the attributes reported for the given relative
// path without touching its content. Lets tests claim a size that
// disagrees with what READ will deliver.
func (h *Host) SetStat(relPath string, result protocol.StatResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[relPath] = result
}

// Hijack installs a frame-level interceptor. When it returns true the
// host skips its normal response for that request; the interceptor
// owns whatever was written to the connection, including closing it.
// Pass nil to restore normal behavior.
func (h *Host) Hijack(f func(conn net.Conn, request *protocol.Request) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hijack = f
}

// StatCalls returns the number of STAT requests served.
func (h *Host) StatCalls() int64 { return h.statCalls.Load() }

// ReadCalls returns the number of READ requests served.
func (h *Host) ReadCalls() int64 { return h.readCalls.Load() }

// ReadDirCalls returns the number of READDIR requests served.
func (h *Host) ReadDirCalls() int64 { return h.readDirCalls.Load() }

// TotalCalls returns the number of requests served across all
// operations.
func (h *Host) TotalCalls() int64 {
	return h.statCalls.Load() + h.readCalls.Load() + h.readDirCalls.Load()
}

// Accepts returns the number of connections the host has accepted.
// A client that reconnected after a failure shows up here.
func (h *Host) Accepts() int64 { return h.accepts.Load() }

// Close shuts the listener down, making the host unreachable. Safe
// to call more than once; the test cleanup closes again harmlessly.
func (h *Host) Close() {
	h.listener.Close()
}

// ReadOffsets returns the offsets of all READ requests in arrival
// order.
func (h *Host) ReadOffsets() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	offsets := make([]uint64, len(h.readOffsets))
	copy(offsets, h.readOffsets)
	return offsets
}

func (h *Host) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		h.accepts.Add(1)
		go h.serve(conn)
	}
}

func (h *Host) serve(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		request, err := protocol.DecodeRequest(payload)
		if err != nil {
			conn.Write(frame(protocol.EncodeErrorResponse(protocol.StatusIOError)))
			continue
		}

		h.mu.Lock()
		hijack := h.hijack
		h.mu.Unlock()
		if hijack != nil && hijack(conn, request) {
			continue
		}

		switch request.Op {
		case protocol.OpStat:
			h.serveStat(conn, request)
		case protocol.OpRead:
			h.serveRead(conn, request)
		case protocol.OpReadDir:
			h.serveReadDir(conn, request)
		}
	}
}

func (h *Host) serveStat(conn net.Conn, request *protocol.Request) {
	h.statCalls.Add(1)
	h.mu.Lock()
	result, ok := h.stats[request.Path]
	h.mu.Unlock()
	if !ok {
		conn.Write(frame(protocol.EncodeErrorResponse(protocol.StatusNotFound)))
		return
	}
	conn.Write(frame(protocol.EncodeStatResponse(result)))
}

func (h *Host) serveRead(conn net.Conn, request *protocol.Request) {
	h.readCalls.Add(1)
	h.mu.Lock()
	h.readOffsets = append(h.readOffsets, request.Offset)
	data, ok := h.files[request.Path]
	h.mu.Unlock()
	if !ok {
		conn.Write(frame(protocol.EncodeErrorResponse(protocol.StatusNotFound)))
		return
	}

	length := request.Length
	if length > protocol.ChunkSize {
		length = protocol.ChunkSize
	}
	offset := request.Offset
	var chunk []byte
	if offset < uint64(len(data)) {
		end := offset + uint64(length)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		chunk = data[offset:end]
	}
	response, err := protocol.EncodeReadResponse(chunk)
	if err != nil {
		conn.Write(frame(protocol.EncodeErrorResponse(protocol.StatusIOError)))
		return
	}
	conn.Write(frame(response))
}

func (h *Host) serveReadDir(conn net.Conn, request *protocol.Request) {
	h.readDirCalls.Add(1)
	h.mu.Lock()
	var entries []protocol.DirEntry
	for path, result := range h.stats {
		if parentOf(path) != request.Path {
			continue
		}
		entries = append(entries, protocol.DirEntry{
			Name:  filepath.Base(path),
			IsDir: result.IsDir,
		})
	}
	h.mu.Unlock()

	response, err := protocol.EncodeReadDirResponse(entries)
	if err != nil {
		conn.Write(frame(protocol.EncodeErrorResponse(protocol.StatusIOError)))
		return
	}
	conn.Write(frame(response))
}

// parentOf returns the directory portion of a relative path, "" for
// top-level entries.
func parentOf(relPath string) string {
	index := strings.LastIndex(relPath, "/")
	if index < 0 {
		return ""
	}
	return relPath[:index]
}

// frame wraps a response payload in its length prefix.
func frame(payload []byte) []byte {
	wire := make([]byte, 4+len(payload))
	wire[0] = byte(len(payload) >> 24)
	wire[1] = byte(len(payload) >> 16)
	wire[2] = byte(len(payload) >> 8)
	wire[3] = byte(len(payload))
	copy(wire[4:], payload)
	return wire
}
