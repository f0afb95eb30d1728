// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/workspacefs/cache"
	"github.com/bureau-foundation/workspacefs/metrics"
)

// stripFlags are the creation and mutation flags removed before an
// open is delegated against a cache file. By the time they apply the
// call has already passed the read-only check, so they could only
// corrupt cached content.
const stripFlags = os.O_CREATE | os.O_EXCL | os.O_TRUNC | os.O_APPEND

// Options configures an FS.
type Options struct {
	// Root is the namespace root: the absolute path prefix whose
	// contents are served from the host. Required. Trailing slashes
	// are ignored; the filesystem root itself is not allowed.
	Root string

	// Cache materializes host objects locally. Required.
	Cache *cache.Cache

	// System is the real filesystem used for every delegated
	// operation. Nil means Real().
	System System

	// Logger receives dispatch events. The per-call path logs at
	// Debug only. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics, when non-nil, counts write rejections.
	Metrics *metrics.Set
}

// FS routes file operations: paths under the namespace root are
// served read-only from the cache, everything else goes to the real
// filesystem with arguments and semantics untouched.
type FS struct {
	root    string
	cache   *cache.Cache
	system  System
	logger  *slog.Logger
	metrics *metrics.Set
}

// New creates an FS for the namespace rooted at options.Root.
func New(options Options) (*FS, error) {
	root := options.Root
	if root == "" {
		return nil, fmt.Errorf("workspace: Root is required")
	}
	if !isAbs(root) {
		return nil, fmt.Errorf("workspace: Root must be absolute, got %q", root)
	}
	root = strings.TrimRight(root, "/")
	if root == "" {
		return nil, fmt.Errorf("workspace: Root cannot be the filesystem root")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("workspace: Cache is required")
	}
	system := options.System
	if system == nil {
		system = Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FS{
		root:    root,
		cache:   options.Cache,
		system:  system,
		logger:  logger,
		metrics: options.Metrics,
	}, nil
}

// Root returns the namespace root.
func (w *FS) Root() string {
	return w.root
}

// Cache returns the cache serving this namespace.
func (w *FS) Cache() *cache.Cache {
	return w.cache
}

// --- Open ---

// Open opens the named file for reading, the os.Open analog.
func (w *FS) Open(name string) (*os.File, error) {
	return w.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile is the os.OpenFile analog. Opening a workspace path with
// write access fails with EROFS; a workspace path the host does not
// export fails with ENOENT. Paths outside the namespace keep their
// flags, permissions, and error behavior exactly.
func (w *FS) OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error) {
	if name == "" {
		return w.system.OpenFile(name, flag, perm)
	}
	path, ok := w.resolve(name)
	if !ok {
		return w.system.OpenFile(name, flag, perm)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.OpenFile(name, flag, perm)
	}
	return w.openWorkspace("open", name, rel, flag, perm)
}

// OpenFileIn opens name relative to the directory handle dir, the
// openat analog. A nil dir means the working directory.
func (w *FS) OpenFileIn(dir *os.File, name string, flag int, perm fs.FileMode) (*os.File, error) {
	if name == "" {
		return w.system.OpenFileAt(dir, name, flag, perm)
	}
	path, ok := w.resolveAt(dir, name)
	if !ok {
		return w.system.OpenFileAt(dir, name, flag, perm)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.OpenFileAt(dir, name, flag, perm)
	}
	return w.openWorkspace("openat", name, rel, flag, perm)
}

// openWorkspace is the in-namespace arm shared by the open entry
// points.
func (w *FS) openWorkspace(op, name, rel string, flag int, perm fs.FileMode) (*os.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		w.metrics.RecordWriteRejection()
		return nil, &fs.PathError{Op: op, Path: name, Err: syscall.EROFS}
	}
	if rel == "" {
		// The namespace root opens as the cache root directory.
		return w.system.OpenFile(w.cache.Root(), os.O_RDONLY|unix.O_DIRECTORY, 0)
	}
	cachePath, err := w.materialize(op, name, rel)
	if err != nil {
		return nil, err
	}
	return w.system.OpenFile(cachePath, flag&^stripFlags, perm)
}

// --- Stat ---

// Stat is the os.Stat analog.
func (w *FS) Stat(name string) (fs.FileInfo, error) {
	if name == "" {
		return w.system.Stat(name)
	}
	path, ok := w.resolve(name)
	if !ok {
		return w.system.Stat(name)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.Stat(name)
	}
	return w.statWorkspace("stat", name, rel, true)
}

// Lstat is the os.Lstat analog. Cache entries are regular files and
// directories, so inside the namespace it matches Stat; outside, the
// real lstat semantics apply.
func (w *FS) Lstat(name string) (fs.FileInfo, error) {
	if name == "" {
		return w.system.Lstat(name)
	}
	path, ok := w.resolve(name)
	if !ok {
		return w.system.Lstat(name)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.Lstat(name)
	}
	return w.statWorkspace("lstat", name, rel, false)
}

// StatIn queries status for name relative to the directory handle
// dir, the fstatat analog. flags honors unix.AT_SYMLINK_NOFOLLOW.
func (w *FS) StatIn(dir *os.File, name string, flags int) (fs.FileInfo, error) {
	if name == "" {
		return w.system.StatAt(dir, name, flags)
	}
	path, ok := w.resolveAt(dir, name)
	if !ok {
		return w.system.StatAt(dir, name, flags)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.StatAt(dir, name, flags)
	}
	return w.statWorkspace("fstatat", name, rel, flags&unix.AT_SYMLINK_NOFOLLOW == 0)
}

// statWorkspace is the in-namespace arm shared by the status entry
// points.
func (w *FS) statWorkspace(op, name, rel string, follow bool) (fs.FileInfo, error) {
	if rel == "" {
		return w.rootInfo(), nil
	}
	cachePath, err := w.materialize(op, name, rel)
	if err != nil {
		return nil, err
	}
	if follow {
		return w.system.Stat(cachePath)
	}
	return w.system.Lstat(cachePath)
}

// rootInfo synthesizes the status of the namespace root: a permissive
// directory with link count 2, touching neither disk nor host.
func (w *FS) rootInfo() fs.FileInfo {
	return &statInfo{
		name: baseName(w.root),
		mode: fs.ModeDir | 0o755,
		sys: unix.Stat_t{
			Mode:    unix.S_IFDIR | 0o755,
			Nlink:   2,
			Blksize: 4096,
		},
	}
}

// --- Access ---

// Access checks permissions for name, the access(2) analog. mode is
// the unix.F_OK/R_OK/W_OK/X_OK bitmask.
func (w *FS) Access(name string, mode uint32) error {
	if name == "" {
		return w.system.Access(name, mode)
	}
	path, ok := w.resolve(name)
	if !ok {
		return w.system.Access(name, mode)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.Access(name, mode)
	}
	return w.accessWorkspace("access", name, rel, mode, 0)
}

// AccessIn checks permissions for name relative to the directory
// handle dir, the faccessat analog.
func (w *FS) AccessIn(dir *os.File, name string, mode uint32, flags int) error {
	if name == "" {
		return w.system.AccessAt(dir, name, mode, flags)
	}
	path, ok := w.resolveAt(dir, name)
	if !ok {
		return w.system.AccessAt(dir, name, mode, flags)
	}
	rel, inside := w.split(path)
	if !inside {
		return w.system.AccessAt(dir, name, mode, flags)
	}
	return w.accessWorkspace("faccessat", name, rel, mode, flags)
}

// accessWorkspace is the in-namespace arm shared by the access entry
// points. An access check against the root always succeeds.
func (w *FS) accessWorkspace(op, name, rel string, mode uint32, flags int) error {
	if mode&unix.W_OK != 0 {
		w.metrics.RecordWriteRejection()
		return &fs.PathError{Op: op, Path: name, Err: syscall.EROFS}
	}
	if rel == "" {
		return nil
	}
	cachePath, err := w.materialize(op, name, rel)
	if err != nil {
		return err
	}
	return w.system.AccessAt(nil, cachePath, mode, flags)
}

// --- Shared ---

// materialize ensures rel is cached and collapses every failure into
// ENOENT: remote not-found, transport trouble, and protocol damage
// all look the same to a program that only understands filesystem
// errors. The underlying cause is logged.
func (w *FS) materialize(op, name, rel string) (string, error) {
	cachePath, err := w.cache.Ensure(rel)
	if err != nil {
		w.logger.Debug("workspace path unavailable",
			"path", rel,
			"error", err,
		)
		return "", &fs.PathError{Op: op, Path: name, Err: syscall.ENOENT}
	}
	return cachePath, nil
}
