// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the host side of the workspace protocol:
// a file server answering STAT, READ, and READDIR requests against a
// served directory tree.
//
// Connections are persistent. Each accepted connection carries a
// sequence of length-prefixed request frames; responses go back on the
// same connection in order. A malformed frame payload earns an I/O
// error response and the connection stays open; a malformed frame
// header closes the connection, because framing can no longer be
// trusted.
//
// Relative paths are resolved strictly inside the served root. A path
// that escapes the root through dot segments or symlinks is reported
// as not found, indistinguishable from absence.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/workspacefs/protocol"
)

// Options configures a Server.
type Options struct {
	// Root is the directory tree served to guests. Required; must be
	// an existing directory.
	Root string

	// Logger receives diagnostic messages. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Server answers workspace protocol requests against a root directory.
type Server struct {
	root   string
	logger *slog.Logger

	// activeConnections tracks in-flight connection handlers for
	// graceful shutdown. Serve waits for all of them before returning.
	activeConnections sync.WaitGroup
}

// New validates options and creates a Server. The root is resolved to
// an absolute, symlink-free path so escape checks compare like with
// like.
func New(options Options) (*Server, error) {
	if options.Root == "" {
		return nil, fmt.Errorf("server: Root is required")
	}
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("server: resolving root %q: %w", options.Root, err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("server: resolving root %q: %w", options.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("server: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("server: root %q is not a directory", root)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{root: root, logger: logger}, nil
}

// Root returns the resolved served root.
func (s *Server) Root() string {
	return s.root
}

// Serve accepts connections on the listener and answers requests until
// ctx is cancelled, then stops accepting, closes active connections,
// and waits for their handlers to return. The listener is closed on
// return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("workspace file server listening",
		"root", s.root,
		"address", listener.Addr(),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection answers request frames on one connection until the
// peer goes away, framing breaks, or ctx is cancelled.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Close the connection when the context is cancelled to unblock
	// the frame read below. The deferred conn.Close handles the
	// normal-return case.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handlerDone:
		}
	}()

	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("connection dropped", "error", err)
			}
			return
		}
		if err := protocol.WriteFrame(conn, s.handleRequest(payload)); err != nil {
			s.logger.Debug("write failed", "error", err)
			return
		}
	}
}

// handleRequest processes one decoded request payload and returns the
// response payload. Malformed requests earn an I/O error status rather
// than a dropped connection: the frame boundary is intact, so the
// stream is still usable.
func (s *Server) handleRequest(payload []byte) []byte {
	request, err := protocol.DecodeRequest(payload)
	if err != nil {
		s.logger.Debug("malformed request", "error", err)
		return protocol.EncodeErrorResponse(protocol.StatusIOError)
	}

	switch request.Op {
	case protocol.OpStat:
		return s.stat(request.Path)
	case protocol.OpRead:
		return s.read(request)
	case protocol.OpReadDir:
		return s.readDir(request.Path)
	}
	return protocol.EncodeErrorResponse(protocol.StatusIOError)
}

func (s *Server) stat(relPath string) []byte {
	absPath, err := s.safePath(relPath)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusNotFound)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusNotFound)
	}
	return protocol.EncodeStatResponse(protocol.StatResult{
		Mode:    uint32(info.Mode()),
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
		IsDir:   info.IsDir(),
	})
}

func (s *Server) read(request *protocol.Request) []byte {
	length := request.Length
	if length > protocol.ChunkSize {
		length = protocol.ChunkSize
	}

	absPath, err := s.safePath(request.Path)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusNotFound)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusNotFound)
	}
	defer file.Close()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, int64(request.Offset))
	if err != nil && err != io.EOF && n == 0 {
		s.logger.Warn("read failed",
			"path", request.Path,
			"offset", request.Offset,
			"error", err,
		)
		return protocol.EncodeErrorResponse(protocol.StatusIOError)
	}

	response, err := protocol.EncodeReadResponse(buf[:n])
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusIOError)
	}
	return response
}

func (s *Server) readDir(relPath string) []byte {
	absPath, err := s.safePath(relPath)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusNotFound)
	}
	dirEntries, err := os.ReadDir(absPath)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusNotFound)
	}

	// Both the entry count and each name length must fit the wire's
	// uint16 fields; overlong entries are dropped, not fatal.
	entries := make([]protocol.DirEntry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if len(entry.Name()) > 65535 {
			continue
		}
		entries = append(entries, protocol.DirEntry{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
		})
		if len(entries) >= 65535 {
			break
		}
	}

	response, err := protocol.EncodeReadDirResponse(entries)
	if err != nil {
		return protocol.EncodeErrorResponse(protocol.StatusIOError)
	}
	return response
}

// safePath resolves a guest-supplied relative path against the served
// root and rejects anything that lands outside it. Absolute paths are
// treated as root-relative.
func (s *Server) safePath(relPath string) (string, error) {
	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) {
		cleaned = cleaned[1:]
	}
	absPath := filepath.Join(s.root, cleaned)

	// Resolve symlinks before the containment check so a link inside
	// the tree cannot point the guest outside it. A path that does
	// not exist yet resolves as far as it goes.
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}
	if !isSubPath(s.root, resolved) {
		return "", fmt.Errorf("path %q escapes the served root", relPath)
	}
	return absPath, nil
}

// isSubPath reports whether child is under (or equal to) parent.
func isSubPath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
