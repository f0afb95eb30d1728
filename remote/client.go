// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/workspacefs/metrics"
	"github.com/bureau-foundation/workspacefs/protocol"
	"github.com/bureau-foundation/workspacefs/transport"
)

// DefaultTimeout bounds each individual socket send and receive.
const DefaultTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	// Dialer reaches the host file server. Required.
	Dialer transport.Dialer

	// Timeout bounds each socket send and each socket receive. Zero
	// means DefaultTimeout. There is no overall deadline spanning a
	// multi-chunk transfer.
	Timeout time.Duration

	// Logger receives connection lifecycle events. Nil means
	// slog.Default().
	Logger *slog.Logger

	// Metrics, when non-nil, counts remote calls, received bytes,
	// and discarded connections.
	Metrics *metrics.Set
}

// Client speaks the workspace file protocol to the host. It holds at
// most one connection, dialed lazily and discarded on any failure.
// Safe for concurrent use; callers serialize on the exchange lock.
type Client struct {
	dialer  transport.Dialer
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Set

	mu   sync.Mutex
	conn net.Conn
}

// New creates a Client. No connection is made until the first call.
func New(options Options) (*Client, error) {
	if options.Dialer == nil {
		return nil, fmt.Errorf("remote: Dialer is required")
	}
	timeout := options.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dialer:  options.Dialer,
		timeout: timeout,
		logger:  logger,
		metrics: options.Metrics,
	}, nil
}

// Stat asks the host for the status of the object at relPath.
// Returns protocol.ErrNotFound (wrapped) when the host reports no
// such path.
func (c *Client) Stat(relPath string) (protocol.StatResult, error) {
	c.metrics.RecordRemoteCall("stat")
	return call(c, &protocol.Request{Op: protocol.OpStat, Path: relPath}, protocol.DecodeStatResponse)
}

// Read asks the host for up to length bytes of the file at relPath
// starting at offset. The host may return fewer bytes than requested;
// zero bytes signals end-of-stream. Callers loop, advancing offset,
// until they have the size a prior Stat reported or a zero-length
// response arrives.
func (c *Client) Read(relPath string, offset uint64, length uint32) ([]byte, error) {
	c.metrics.RecordRemoteCall("read")
	data, err := call(c, &protocol.Request{
		Op:     protocol.OpRead,
		Path:   relPath,
		Offset: offset,
		Length: length,
	}, func(payload []byte) ([]byte, error) {
		return protocol.DecodeReadResponse(payload, length)
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRemoteBytes(len(data))
	return data, nil
}

// ReadDir asks the host to list the directory at relPath. No
// interception path uses this; it exists for operator tooling.
func (c *Client) ReadDir(relPath string) ([]protocol.DirEntry, error) {
	c.metrics.RecordRemoteCall("readdir")
	return call(c, &protocol.Request{Op: protocol.OpReadDir, Path: relPath}, protocol.DecodeReadDirResponse)
}

// Close discards the current connection, if any. The client remains
// usable; the next call dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// call performs one complete exchange under the connection lock:
// connect if needed, send the request frame, receive the response
// frame, decode. The lock spans decoding so a connection poisoned by
// a malformed response is discarded before any other caller can
// touch it.
func call[T any](c *Client, request *protocol.Request, decode func([]byte) (T, error)) (T, error) {
	var zero T

	payload, err := request.Encode()
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dialer.Dial()
		if err != nil {
			c.metrics.RecordTransportError()
			return zero, fmt.Errorf("connecting to host: %w", err)
		}
		c.conn = conn
		c.logger.Debug("connected to host file server", "remote", conn.RemoteAddr())
	}

	response, err := c.sendReceive(payload)
	if err != nil {
		c.drop(err)
		return zero, err
	}

	value, err := decode(response)
	if err != nil && !keepsConnection(err) {
		// The frame arrived intact but its contents do not parse:
		// the stream can no longer be trusted to be in sync.
		c.drop(err)
		return zero, err
	}
	return value, err
}

// sendReceive writes one frame and reads one frame, each bounded by
// the per-operation deadline. Caller holds the lock.
func (c *Client) sendReceive(payload []byte) ([]byte, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("arming send deadline: %w", err)
	}
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("arming receive deadline: %w", err)
	}
	response, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("receiving response: %w", err)
	}
	return response, nil
}

// drop closes and forgets the connection after a failure. Caller
// holds the lock.
func (c *Client) drop(cause error) {
	c.metrics.RecordTransportError()
	c.logger.Warn("discarding host connection", "error", cause)
	c.conn.Close()
	c.conn = nil
}

// keepsConnection reports whether a decode error came over a
// well-formed frame. A host answering not-found, or any in-protocol
// status, leaves the stream in sync; only malformed payloads poison
// the connection.
func keepsConnection(err error) bool {
	var statusErr *protocol.StatusError
	return errors.Is(err, protocol.ErrNotFound) || errors.As(err, &statusErr)
}
