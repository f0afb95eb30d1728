// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the largest payload a frame may declare. A READ
	// response carries at most ChunkSize of file data plus a small
	// header, so 16 MiB leaves generous headroom while keeping a
	// corrupt or hostile length field from provoking a giant
	// allocation.
	MaxFrameSize = 16 * 1024 * 1024

	// ChunkSize is the transfer unit for file content. The server
	// never returns more than this from a single READ, and clients
	// request file bodies in chunks of this size.
	ChunkSize = 1024 * 1024

	// MaxPathLength bounds the path field of a request. Paths are
	// length-prefixed with a uint16 on the wire; this tighter bound
	// matches what host filesystems accept anyway.
	MaxPathLength = 4096
)

// FrameSizeError reports a frame whose declared length is zero or
// exceeds MaxFrameSize. A peer that produced one cannot be resynced:
// the stream position is unknown and the connection must be discarded.
type FrameSizeError struct {
	Size uint32
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("frame size %d outside allowed range [1, %d]", e.Size, MaxFrameSize)
}

// WriteFrame writes payload to w as a length-prefixed frame. The
// payload must be nonzero and at most MaxFrameSize; the protocol has
// no use for empty frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxFrameSize {
		return &FrameSizeError{Size: uint32(len(payload))}
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its
// payload. Returns *FrameSizeError if the declared length is zero or
// exceeds MaxFrameSize; the caller must treat that as fatal for the
// connection. A stream that ends mid-frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading frame header: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return nil, &FrameSizeError{Size: size}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("stream closed mid-frame: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}
