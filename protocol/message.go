// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
)

// Operation codes (guest → host).
const (
	OpStat    = 1
	OpRead    = 2
	OpReadDir = 3
)

// Response status codes (host → guest).
const (
	StatusOK       = 0
	StatusNotFound = 1
	StatusIOError  = 2
)

// ErrNotFound is returned by response decoders when the host reports
// the requested path does not exist.
var ErrNotFound = errors.New("path not found on host")

// TruncatedError reports a payload shorter than a header or field it
// claims to carry. Decoders never silently truncate; a response that
// does not parse completely is evidence the stream is desynced.
type TruncatedError struct {
	What string
	Want int
	Got  int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated %s: need %d bytes, have %d", e.What, e.Want, e.Got)
}

// StatusError reports a response status byte that is neither OK nor
// not-found. The host uses StatusIOError for its own filesystem
// failures; clients treat any such status as a failed exchange,
// indistinguishable from transport failure.
type StatusError struct {
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d", e.Status)
}

// --- Requests ---

// Request is one decoded client request. Offset and Length are
// meaningful only when Op is OpRead.
type Request struct {
	Op     byte
	Path   string
	Offset uint64
	Length uint32
}

// Encode serializes the request into a frame payload.
func (r *Request) Encode() ([]byte, error) {
	if r.Op != OpStat && r.Op != OpRead && r.Op != OpReadDir {
		return nil, fmt.Errorf("unknown opcode %d", r.Op)
	}
	if len(r.Path) > MaxPathLength {
		return nil, fmt.Errorf("path length %d exceeds maximum %d", len(r.Path), MaxPathLength)
	}

	size := 1 + 2 + len(r.Path)
	if r.Op == OpRead {
		size += 8 + 4
	}
	payload := make([]byte, 0, size)
	payload = append(payload, r.Op)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(r.Path)))
	payload = append(payload, r.Path...)
	if r.Op == OpRead {
		payload = binary.BigEndian.AppendUint64(payload, r.Offset)
		payload = binary.BigEndian.AppendUint32(payload, r.Length)
	}
	return payload, nil
}

// DecodeRequest parses a frame payload into a Request. The payload
// must be exactly one request; trailing bytes are an error.
func DecodeRequest(payload []byte) (*Request, error) {
	if len(payload) < 1 {
		return nil, &TruncatedError{What: "opcode", Want: 1, Got: 0}
	}
	request := &Request{Op: payload[0]}
	rest := payload[1:]

	if len(rest) < 2 {
		return nil, &TruncatedError{What: "path length", Want: 2, Got: len(rest)}
	}
	pathLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if pathLen > MaxPathLength {
		return nil, fmt.Errorf("path length %d exceeds maximum %d", pathLen, MaxPathLength)
	}
	if len(rest) < pathLen {
		return nil, &TruncatedError{What: "path", Want: pathLen, Got: len(rest)}
	}
	request.Path = string(rest[:pathLen])
	rest = rest[pathLen:]

	switch request.Op {
	case OpStat, OpReadDir:
		if len(rest) != 0 {
			return nil, fmt.Errorf("request has %d trailing bytes", len(rest))
		}
	case OpRead:
		if len(rest) < 12 {
			return nil, &TruncatedError{What: "read parameters", Want: 12, Got: len(rest)}
		}
		request.Offset = binary.BigEndian.Uint64(rest[:8])
		request.Length = binary.BigEndian.Uint32(rest[8:12])
		if len(rest) != 12 {
			return nil, fmt.Errorf("request has %d trailing bytes", len(rest)-12)
		}
	default:
		return nil, fmt.Errorf("unknown opcode %d", request.Op)
	}
	return request, nil
}

// --- Stat ---

// StatResult describes a remote object. Mode carries the permission
// bits as sent by the host; the file-type bit is synthesized from
// IsDir, so clients never depend on the host's mode representation
// beyond the low permission bits.
type StatResult struct {
	Mode    uint32
	Size    int64
	ModTime int64 // Unix seconds
	IsDir   bool
}

// Perm returns the permission bits of the remote object.
func (s StatResult) Perm() fs.FileMode {
	return fs.FileMode(s.Mode) & fs.ModePerm
}

// FileMode returns the object's mode with the directory bit applied.
func (s StatResult) FileMode() fs.FileMode {
	mode := s.Perm()
	if s.IsDir {
		mode |= fs.ModeDir
	}
	return mode
}

// Nlink returns the synthesized link count: 2 for directories, 1 for
// regular files.
func (s StatResult) Nlink() uint32 {
	if s.IsDir {
		return 2
	}
	return 1
}

// Blocks returns the 512-byte block count derived from Size.
func (s StatResult) Blocks() int64 {
	return (s.Size + 511) / 512
}

// statBodyLen is the byte length of a successful STAT response after
// the status byte: u32 mode, u64 size, u64 mtime, u8 is_dir.
const statBodyLen = 4 + 8 + 8 + 1

// EncodeStatResponse serializes a successful STAT response.
func EncodeStatResponse(result StatResult) []byte {
	payload := make([]byte, 0, 1+statBodyLen)
	payload = append(payload, StatusOK)
	payload = binary.BigEndian.AppendUint32(payload, result.Mode)
	payload = binary.BigEndian.AppendUint64(payload, uint64(result.Size))
	payload = binary.BigEndian.AppendUint64(payload, uint64(result.ModTime))
	if result.IsDir {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	return payload
}

// DecodeStatResponse parses a STAT response payload. Returns
// ErrNotFound for a not-found status and *StatusError for any other
// non-OK status.
func DecodeStatResponse(payload []byte) (StatResult, error) {
	body, err := statusOf(payload)
	if err != nil {
		return StatResult{}, err
	}
	if len(body) < statBodyLen {
		return StatResult{}, &TruncatedError{What: "stat response", Want: statBodyLen, Got: len(body)}
	}
	result := StatResult{
		Mode:    binary.BigEndian.Uint32(body[0:4]),
		Size:    int64(binary.BigEndian.Uint64(body[4:12])),
		ModTime: int64(binary.BigEndian.Uint64(body[12:20])),
		IsDir:   body[20] != 0,
	}
	if len(body) != statBodyLen {
		return StatResult{}, fmt.Errorf("stat response has %d trailing bytes", len(body)-statBodyLen)
	}
	return result, nil
}

// --- Read ---

// EncodeReadResponse serializes a successful READ response carrying
// data. Responses never carry more than ChunkSize of content; a zero
// byte count is the end-of-stream signal.
func EncodeReadResponse(data []byte) ([]byte, error) {
	if len(data) > ChunkSize {
		return nil, fmt.Errorf("read response of %d bytes exceeds chunk size %d", len(data), ChunkSize)
	}
	payload := make([]byte, 0, 1+4+len(data))
	payload = append(payload, StatusOK)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(data)))
	payload = append(payload, data...)
	return payload, nil
}

// DecodeReadResponse parses a READ response payload. The byte count
// field must agree exactly with the bytes present and must not exceed
// limit, the length the caller requested.
func DecodeReadResponse(payload []byte, limit uint32) ([]byte, error) {
	body, err := statusOf(payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, &TruncatedError{What: "read response header", Want: 4, Got: len(body)}
	}
	count := binary.BigEndian.Uint32(body[:4])
	data := body[4:]
	if count > limit {
		return nil, fmt.Errorf("read response claims %d bytes, requested only %d", count, limit)
	}
	if int(count) != len(data) {
		if int(count) > len(data) {
			return nil, &TruncatedError{What: "read response data", Want: int(count), Got: len(data)}
		}
		return nil, fmt.Errorf("read response has %d trailing bytes", len(data)-int(count))
	}
	return data, nil
}

// --- ReadDir ---

// DirEntry is one name in a remote directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// EncodeReadDirResponse serializes a successful READDIR response.
// The entry count and every name length must fit in a uint16.
func EncodeReadDirResponse(entries []DirEntry) ([]byte, error) {
	if len(entries) > 65535 {
		return nil, fmt.Errorf("directory has %d entries, wire limit is 65535", len(entries))
	}
	size := 1 + 2
	for _, entry := range entries {
		if len(entry.Name) > 65535 {
			return nil, fmt.Errorf("entry name length %d exceeds wire limit 65535", len(entry.Name))
		}
		size += 2 + len(entry.Name) + 1
	}
	payload := make([]byte, 0, size)
	payload = append(payload, StatusOK)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(entries)))
	for _, entry := range entries {
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(entry.Name)))
		payload = append(payload, entry.Name...)
		if entry.IsDir {
			payload = append(payload, 1)
		} else {
			payload = append(payload, 0)
		}
	}
	return payload, nil
}

// DecodeReadDirResponse parses a READDIR response payload.
func DecodeReadDirResponse(payload []byte) ([]DirEntry, error) {
	body, err := statusOf(payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 {
		return nil, &TruncatedError{What: "entry count", Want: 2, Got: len(body)}
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	rest := body[2:]

	entries := make([]DirEntry, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 2 {
			return nil, &TruncatedError{What: "entry name length", Want: 2, Got: len(rest)}
		}
		nameLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < nameLen+1 {
			return nil, &TruncatedError{What: "entry", Want: nameLen + 1, Got: len(rest)}
		}
		entries = append(entries, DirEntry{
			Name:  string(rest[:nameLen]),
			IsDir: rest[nameLen] != 0,
		})
		rest = rest[nameLen+1:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("readdir response has %d trailing bytes", len(rest))
	}
	return entries, nil
}

// EncodeErrorResponse serializes a failure response: the status byte
// alone, with no further fields.
func EncodeErrorResponse(status byte) []byte {
	return []byte{status}
}

// statusOf validates the leading status byte and returns the
// remainder of the payload.
func statusOf(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, &TruncatedError{What: "status byte", Want: 1, Got: 0}
	}
	switch payload[0] {
	case StatusOK:
		return payload[1:], nil
	case StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &StatusError{Status: payload[0]}
	}
}
