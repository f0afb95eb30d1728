// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// BufferedFile is a buffered reader over an opened file, the fopen
// analog.
type BufferedFile struct {
	*bufio.Reader
	file *os.File
}

// Close releases the underlying descriptor.
func (b *BufferedFile) Close() error {
	return b.file.Close()
}

// File returns the underlying descriptor.
func (b *BufferedFile) File() *os.File {
	return b.file
}

// OpenBuffered opens name with a C-style stream mode ("r", "rb",
// "r+", ...). Workspace paths accept read modes only: any mode
// containing w, a, or + fails with EROFS. Outside the namespace the
// mode maps to its usual open flags, creation and truncation
// included; reads from a stream opened write-only fail the way they
// would on any write-only descriptor.
func (w *FS) OpenBuffered(name, mode string) (*BufferedFile, error) {
	flag, writeIntent, err := parseStreamMode(mode)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: syscall.EINVAL}
	}
	if name == "" {
		return buffered(w.system.OpenFile(name, flag, 0o666))
	}
	path, ok := w.resolve(name)
	if !ok {
		return buffered(w.system.OpenFile(name, flag, 0o666))
	}
	rel, inside := w.split(path)
	if !inside {
		return buffered(w.system.OpenFile(name, flag, 0o666))
	}
	if writeIntent {
		w.metrics.RecordWriteRejection()
		return nil, &fs.PathError{Op: "open", Path: name, Err: syscall.EROFS}
	}
	return buffered(w.openWorkspace("open", name, rel, flag, 0))
}

func buffered(file *os.File, err error) (*BufferedFile, error) {
	if err != nil {
		return nil, err
	}
	return &BufferedFile{Reader: bufio.NewReader(file), file: file}, nil
}

// parseStreamMode maps a C-style stream mode to open flags.
// writeIntent reports whether the mode asks for write, append, or
// update access.
func parseStreamMode(mode string) (flag int, writeIntent bool, err error) {
	if mode == "" {
		return 0, false, fmt.Errorf("empty stream mode")
	}
	switch mode[0] {
	case 'r':
		flag = os.O_RDONLY
	case 'w':
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		writeIntent = true
	case 'a':
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		writeIntent = true
	default:
		return 0, false, fmt.Errorf("stream mode %q must begin with r, w, or a", mode)
	}
	for _, c := range mode[1:] {
		switch c {
		case '+':
			flag = flag&^(os.O_RDONLY|os.O_WRONLY) | os.O_RDWR
			writeIntent = true
		case 'b':
			// Binary mode: no effect here.
		case 'e':
			flag |= unix.O_CLOEXEC
		case 'x':
			flag |= os.O_EXCL
		default:
			return 0, false, fmt.Errorf("unknown character %q in stream mode %q", c, mode)
		}
	}
	return flag, writeIntent, nil
}
