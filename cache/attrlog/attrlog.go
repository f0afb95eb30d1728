// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package attrlog persists host file attributes across agent
// restarts. Cached file contents survive in the cache directory, but
// the mode, size, and modification time reported by the host live
// only in memory; the journal writes them down so a restarted agent
// can answer attribute lookups for already-cached paths without a
// round trip.
//
// The journal is advisory. Losing it costs extra host stats, never
// correctness, so a journal that fails validation is discarded and
// restarted empty rather than treated as a fatal error.
package attrlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bureau-foundation/workspacefs/lib/codec"
	"github.com/bureau-foundation/workspacefs/protocol"
)

// Journal file format constants.
const (
	journalMagic   = "WSAJ" // WorkSpacefs Attribute Journal
	journalVersion = 1

	// magic(4) + version(4).
	journalHeaderSize = 8

	// Upper bound on a single record body. Relative paths are capped
	// at 4096 bytes, so a valid CBOR body is far smaller; anything
	// claiming more is a torn or corrupt length prefix.
	maxRecordBody = 16 * 1024
)

// crc32cTable is the CRC32C (Castagnoli) table for record checksums.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// record is the CBOR body of one journal entry. Records are framed as
// length(4, little endian) + body + crc32c(4, little endian) and
// appended to the file; the newest record for a path wins.
type record struct {
	Path    string `cbor:"path"`
	Mode    uint32 `cbor:"mode"`
	Size    int64  `cbor:"size"`
	ModTime int64  `cbor:"mtime"`
	Dir     bool   `cbor:"dir"`
}

// Log is an in-memory map of path attributes backed by an append-only
// journal file. There are no delete records: cached objects are never
// evicted during a run, and a stale journal entry is corrected by the
// next Record call for the same path.
type Log struct {
	mu           sync.RWMutex
	entries      map[string]protocol.StatResult
	file         *os.File
	path         string
	totalRecords int // records in the file, including superseded ones
}

// Open loads the journal at path, creating it (and its parent
// directory) if absent. Valid records are replayed into memory; a
// torn or corrupt tail is truncated away and everything before it is
// kept. A file with an unrecognized header is restarted empty.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal file %s: %w", path, err)
	}

	log := &Log{
		entries: make(map[string]protocol.StatResult),
		file:    file,
		path:    path,
	}

	if err := log.replay(); err != nil {
		file.Close()
		return nil, err
	}

	return log, nil
}

// replay validates the header, rebuilds the in-memory map from the
// record stream, and leaves the file positioned after the last valid
// record with anything beyond it truncated away.
func (l *Log) replay() error {
	var header [journalHeaderSize]byte
	_, err := io.ReadFull(l.file, header[:])
	if err == io.EOF {
		return l.restart()
	}
	if err == io.ErrUnexpectedEOF {
		return l.restart()
	}
	if err != nil {
		return fmt.Errorf("reading journal header: %w", err)
	}

	if string(header[0:4]) != journalMagic ||
		binary.LittleEndian.Uint32(header[4:8]) != journalVersion {
		return l.restart()
	}

	validEnd := int64(journalHeaderSize)
	for {
		var lengthBuffer [4]byte
		_, err := io.ReadFull(l.file, lengthBuffer[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break // torn length prefix
		}
		if err != nil {
			return fmt.Errorf("reading journal record length: %w", err)
		}

		bodyLength := binary.LittleEndian.Uint32(lengthBuffer[:])
		if bodyLength == 0 || bodyLength > maxRecordBody {
			break // corrupt length prefix
		}

		buffer := make([]byte, int(bodyLength)+4)
		if _, err := io.ReadFull(l.file, buffer); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break // torn record
			}
			return fmt.Errorf("reading journal record: %w", err)
		}

		body := buffer[:bodyLength]
		expectedCRC := binary.LittleEndian.Uint32(buffer[bodyLength:])
		if crc32.Checksum(body, crc32cTable) != expectedCRC {
			break // corrupt record
		}

		var entry record
		if err := codec.Unmarshal(body, &entry); err != nil {
			break // corrupt record
		}

		l.entries[entry.Path] = protocol.StatResult{
			Mode:    entry.Mode,
			Size:    entry.Size,
			ModTime: entry.ModTime,
			IsDir:   entry.Dir,
		}
		l.totalRecords++
		validEnd += 4 + int64(bodyLength) + 4
	}

	// Drop whatever follows the last valid record and position the
	// file for appends. Truncating to the current length is a no-op.
	if err := l.file.Truncate(validEnd); err != nil {
		return fmt.Errorf("truncating journal tail: %w", err)
	}
	if _, err := l.file.Seek(validEnd, io.SeekStart); err != nil {
		return fmt.Errorf("seeking past journal records: %w", err)
	}

	return nil
}

// restart wipes the file and writes a fresh header.
func (l *Log) restart() error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("restarting journal: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("restarting journal: %w", err)
	}

	var header [journalHeaderSize]byte
	copy(header[0:4], journalMagic)
	binary.LittleEndian.PutUint32(header[4:8], journalVersion)
	if _, err := l.file.Write(header[:]); err != nil {
		return fmt.Errorf("writing journal header: %w", err)
	}

	l.entries = make(map[string]protocol.StatResult)
	l.totalRecords = 0
	return nil
}

// encodeRecord frames a record body for appending.
func encodeRecord(relPath string, attrs protocol.StatResult) ([]byte, error) {
	body, err := codec.Marshal(record{
		Path:    relPath,
		Mode:    attrs.Mode,
		Size:    attrs.Size,
		ModTime: attrs.ModTime,
		Dir:     attrs.IsDir,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding journal record: %w", err)
	}

	framed := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(framed[0:4], uint32(len(body)))
	copy(framed[4:], body)
	binary.LittleEndian.PutUint32(framed[4+len(body):], crc32.Checksum(body, crc32cTable))
	return framed, nil
}

// Record stores the attributes for relPath and appends them to the
// journal file.
func (l *Log) Record(relPath string, attrs protocol.StatResult) error {
	framed, err := encodeRecord(relPath, attrs)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[relPath] = attrs
	l.totalRecords++

	if _, err := l.file.Write(framed); err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}
	return nil
}

// Lookup returns the recorded attributes for relPath. Thread-safe for
// concurrent reads.
func (l *Log) Lookup(relPath string) (protocol.StatResult, bool) {
	l.mu.RLock()
	attrs, found := l.entries[relPath]
	l.mu.RUnlock()
	return attrs, found
}

// Len returns the number of distinct paths in the journal.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// needsCompaction reports whether superseded records outnumber live
// entries enough to be worth rewriting the file.
func (l *Log) needsCompaction() bool {
	return l.totalRecords > 2*len(l.entries) && len(l.entries) > 0
}

// compactLocked writes a fresh journal containing only the live
// entries and atomically replaces the old file. Must be called with
// l.mu held.
func (l *Log) compactLocked() error {
	tmpPath := l.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp journal: %w", err)
	}

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	var header [journalHeaderSize]byte
	copy(header[0:4], journalMagic)
	binary.LittleEndian.PutUint32(header[4:8], journalVersion)
	if _, err := tmpFile.Write(header[:]); err != nil {
		return fmt.Errorf("writing journal header: %w", err)
	}

	paths := make([]string, 0, len(l.entries))
	for path := range l.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		framed, err := encodeRecord(path, l.entries[path])
		if err != nil {
			return err
		}
		if _, err := tmpFile.Write(framed); err != nil {
			return fmt.Errorf("writing compacted record: %w", err)
		}
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing temp journal: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp journal: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("renaming temp journal to %s: %w", l.path, err)
	}

	newFile, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening compacted journal: %w", err)
	}

	l.file.Close()
	l.file = newFile
	l.totalRecords = len(l.entries)

	success = true
	return nil
}

// Close compacts the journal if it has accumulated enough superseded
// records, then closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	if l.needsCompaction() {
		if err := l.compactLocked(); err != nil {
			return fmt.Errorf("compacting journal on close: %w", err)
		}
	}

	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing journal file: %w", err)
	}
	return nil
}
