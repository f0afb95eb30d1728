// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// System is the real filesystem as the dispatch layer sees it.
// Production code injects Real(); tests substitute a fake to observe
// or fail delegated calls. Every delegation to the underlying
// filesystem goes through this interface, so the cache and dispatch
// internals can never re-enter interception by construction.
//
// The directory-relative methods accept a nil directory handle,
// meaning the current working directory (AT_FDCWD).
type System interface {
	// OpenFile opens name exactly as os.OpenFile does.
	OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error)

	// OpenFileAt opens name relative to dir, the openat analog.
	OpenFileAt(dir *os.File, name string, flag int, perm fs.FileMode) (*os.File, error)

	// Stat and Lstat query file status exactly as the os package
	// does, following and not following symlinks respectively.
	Stat(name string) (fs.FileInfo, error)
	Lstat(name string) (fs.FileInfo, error)

	// StatAt queries status for name relative to dir, the fstatat
	// analog. flags honors unix.AT_SYMLINK_NOFOLLOW.
	StatAt(dir *os.File, name string, flags int) (fs.FileInfo, error)

	// Access checks real-user permissions for name; mode is the
	// unix.F_OK/R_OK/W_OK/X_OK bitmask.
	Access(name string, mode uint32) error

	// AccessAt checks permissions for name relative to dir, the
	// faccessat analog.
	AccessAt(dir *os.File, name string, mode uint32, flags int) error

	// Getwd returns the current working directory.
	Getwd() (string, error)

	// HandlePath recovers the absolute path of an open directory
	// handle. Failure means the handle is stale or the platform has
	// no handle-to-path facility; callers fall back to treating the
	// operation as ordinary, non-namespace file access.
	HandlePath(dir *os.File) (string, error)
}

// Real returns the System backed by the os package and direct
// syscalls.
func Real() System {
	return realSystem{}
}

type realSystem struct{}

var _ System = realSystem{}

func (realSystem) OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (realSystem) OpenFileAt(dir *os.File, name string, flag int, perm fs.FileMode) (*os.File, error) {
	fd, err := unix.Openat(dirFd(dir), name, flag|unix.O_CLOEXEC, syscallMode(perm))
	if err != nil {
		return nil, &fs.PathError{Op: "openat", Path: name, Err: err}
	}
	return os.NewFile(uintptr(fd), name), nil
}

func (realSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (realSystem) Lstat(name string) (fs.FileInfo, error) {
	return os.Lstat(name)
}

func (realSystem) StatAt(dir *os.File, name string, flags int) (fs.FileInfo, error) {
	var stat unix.Stat_t
	if err := unix.Fstatat(dirFd(dir), name, &stat, flags); err != nil {
		return nil, &fs.PathError{Op: "fstatat", Path: name, Err: err}
	}
	return newStatInfo(name, stat), nil
}

func (realSystem) Access(name string, mode uint32) error {
	if err := unix.Faccessat(unix.AT_FDCWD, name, mode, 0); err != nil {
		return &fs.PathError{Op: "access", Path: name, Err: err}
	}
	return nil
}

func (realSystem) AccessAt(dir *os.File, name string, mode uint32, flags int) error {
	if err := unix.Faccessat(dirFd(dir), name, mode, flags); err != nil {
		return &fs.PathError{Op: "faccessat", Path: name, Err: err}
	}
	return nil
}

func (realSystem) Getwd() (string, error) {
	return os.Getwd()
}

func (realSystem) HandlePath(dir *os.File) (string, error) {
	if dir == nil {
		return os.Getwd()
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", dir.Fd()))
	if err != nil {
		return "", fmt.Errorf("recovering path of directory handle: %w", err)
	}
	return path, nil
}

// dirFd extracts the descriptor for the *at syscalls; nil means the
// current working directory.
func dirFd(dir *os.File) int {
	if dir == nil {
		return unix.AT_FDCWD
	}
	return int(dir.Fd())
}

// syscallMode translates an fs.FileMode into the mode bits openat
// expects, mirroring what os.OpenFile does internally.
func syscallMode(perm fs.FileMode) uint32 {
	mode := uint32(perm.Perm())
	if perm&fs.ModeSetuid != 0 {
		mode |= unix.S_ISUID
	}
	if perm&fs.ModeSetgid != 0 {
		mode |= unix.S_ISGID
	}
	if perm&fs.ModeSticky != 0 {
		mode |= unix.S_ISVTX
	}
	return mode
}

// statInfo adapts a unix.Stat_t to fs.FileInfo for the fstatat path,
// where the os package offers no wrapper.
type statInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	sys     unix.Stat_t
}

var _ fs.FileInfo = (*statInfo)(nil)

func newStatInfo(name string, stat unix.Stat_t) *statInfo {
	sec, nsec := stat.Mtim.Unix()
	return &statInfo{
		name:    baseName(name),
		size:    stat.Size,
		mode:    fileModeFromUnix(stat.Mode),
		modTime: time.Unix(sec, nsec),
		sys:     stat,
	}
}

func (s *statInfo) Name() string       { return s.name }
func (s *statInfo) Size() int64        { return s.size }
func (s *statInfo) Mode() fs.FileMode  { return s.mode }
func (s *statInfo) ModTime() time.Time { return s.modTime }
func (s *statInfo) IsDir() bool        { return s.mode.IsDir() }
func (s *statInfo) Sys() any           { return &s.sys }

// baseName is the final element of a path without cleaning the rest;
// name may be handle-relative and must not be resolved here.
func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

// fileModeFromUnix translates raw stat mode bits into an fs.FileMode,
// the same mapping the os package applies.
func fileModeFromUnix(raw uint32) fs.FileMode {
	mode := fs.FileMode(raw & 0o777)
	switch raw & unix.S_IFMT {
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	}
	if raw&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if raw&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if raw&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}
