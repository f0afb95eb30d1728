// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/workspacefs/cache"
	"github.com/bureau-foundation/workspacefs/cache/attrlog"
	"github.com/bureau-foundation/workspacefs/metrics"
	"github.com/bureau-foundation/workspacefs/protocol"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Cache materializes workspace content on first open.
	Cache *cache.Cache

	// Remote answers attribute lookups for paths the journal has not
	// seen yet.
	Remote cache.Remote

	// Journal is the optional attribute journal. If nil, every lookup
	// goes to the remote.
	Journal *attrlog.Log

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to
	// stderr and everything else is dropped.
	Logger *slog.Logger

	// Metrics receives operation counters. May be nil.
	Metrics *metrics.Set
}

// Mount mounts the workspace filesystem at the configured mountpoint.
// The caller must call Unmount on the returned Server when done. The
// mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if options.Remote == nil {
		return nil, fmt.Errorf("remote is required")
	}

	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "workspacefs",
			Name:       "workspacefs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("workspace FUSE filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// lookupAttrs resolves attributes for a workspace path: journal first,
// then a remote STAT whose result is journaled for later runs.
func lookupAttrs(options *Options, rel string) (protocol.StatResult, error) {
	if options.Journal != nil {
		if attrs, ok := options.Journal.Lookup(rel); ok {
			return attrs, nil
		}
	}
	attrs, err := options.Remote.Stat(rel)
	if err != nil {
		return protocol.StatResult{}, err
	}
	if options.Journal != nil {
		if err := options.Journal.Record(rel, attrs); err != nil {
			options.Logger.Warn("recording attrs", "path", rel, "error", err)
		}
	}
	return attrs, nil
}

func childPath(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}

// dirNode is a directory in the workspace tree. The root is the
// dirNode with an empty relative path.
type dirNode struct {
	gofuse.Inode
	options *Options
	rel     string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)
var _ gofuse.NodeCreater = (*dirNode)(nil)
var _ gofuse.NodeMkdirer = (*dirNode)(nil)
var _ gofuse.NodeUnlinker = (*dirNode)(nil)
var _ gofuse.NodeRmdirer = (*dirNode)(nil)
var _ gofuse.NodeRenamer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := childPath(d.rel, name)

	attrs, err := lookupAttrs(d.options, rel)
	if err != nil {
		// Absence and unreachability are deliberately identical, the
		// same collapse the library applies.
		if !errors.Is(err, protocol.ErrNotFound) {
			d.options.Logger.Warn("lookup failed", "path", rel, "error", err)
		}
		return nil, syscall.ENOENT
	}

	if attrs.IsDir {
		child := d.NewPersistentInode(ctx, &dirNode{
			options: d.options,
			rel:     rel,
		}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		fillDirAttr(&out.Attr, attrs)
		return child, 0
	}

	node := &fileNode{options: d.options, rel: rel, attrs: attrs}
	child := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	fillFileAttr(&out.Attr, attrs)
	return child, 0
}

// Readdir lists only what the cache already holds. The host protocol
// has no directory enumeration, so uncached entries are invisible to
// listing even though Lookup of their concrete names succeeds.
func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dirEntries, err := os.ReadDir(d.options.Cache.Path(d.rel))
	if err != nil {
		// Nothing materialized under this directory yet.
		return &sliceDirStream{}, 0
	}

	var entries []fuse.DirEntry
	for _, entry := range dirEntries {
		if strings.Contains(entry.Name(), ".fetch-") {
			// In-flight materialization temp file.
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if entry.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: entry.Name(),
			Mode: mode,
		})
	}

	return &sliceDirStream{entries: entries}, 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if d.options.Journal != nil && d.rel != "" {
		if attrs, ok := d.options.Journal.Lookup(d.rel); ok {
			fillDirAttr(&out.Attr, attrs)
			return 0
		}
	}
	out.Mode = syscall.S_IFDIR | 0o755
	out.Nlink = 2
	return 0
}

func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	d.options.Metrics.RecordWriteRejection()
	return nil, nil, 0, syscall.EROFS
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	d.options.Metrics.RecordWriteRejection()
	return nil, syscall.EROFS
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	d.options.Metrics.RecordWriteRejection()
	return syscall.EROFS
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	d.options.Metrics.RecordWriteRejection()
	return syscall.EROFS
}

func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	d.options.Metrics.RecordWriteRejection()
	return syscall.EROFS
}

// fileNode is a regular file in the workspace tree. Content is
// materialized into the cache on first open and served from the cache
// descriptor afterwards.
type fileNode struct {
	gofuse.Inode
	options *Options
	rel     string
	attrs   protocol.StatResult
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeWriter = (*fileNode)(nil)

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillFileAttr(&out.Attr, n.attrs)
	return 0
}

func (n *fileNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.options.Metrics.RecordWriteRejection()
	return syscall.EROFS
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		n.options.Metrics.RecordWriteRejection()
		return nil, 0, syscall.EROFS
	}

	if _, err := n.options.Cache.Ensure(n.rel); err != nil {
		if !errors.Is(err, protocol.ErrNotFound) {
			n.options.Logger.Warn("materialization failed", "path", n.rel, "error", err)
		}
		return nil, 0, syscall.ENOENT
	}

	file, err := os.Open(n.options.Cache.Path(n.rel))
	if err != nil {
		n.options.Logger.Error("opening cache file", "path", n.rel, "error", err)
		return nil, 0, syscall.EIO
	}

	// Enable kernel page cache. Cached content is immutable, so the
	// cache is always valid.
	return &cacheFileHandle{file: file}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := f.(*cacheFileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	bytesRead, err := handle.file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		n.options.Logger.Error("read failed", "path", n.rel, "offset", off, "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:bytesRead]), 0
}

func (n *fileNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.options.Metrics.RecordWriteRejection()
	return 0, syscall.EROFS
}

// cacheFileHandle holds the descriptor on the materialized cache file
// for one open.
type cacheFileHandle struct {
	file *os.File
}

var _ gofuse.FileReleaser = (*cacheFileHandle)(nil)

func (h *cacheFileHandle) Release(ctx context.Context) syscall.Errno {
	h.file.Close()
	return 0
}

// fillFileAttr populates a kernel attr struct from journaled or remote
// stat results, preserving the host's mode and mtime.
func fillFileAttr(out *fuse.Attr, attrs protocol.StatResult) {
	out.Mode = syscall.S_IFREG | uint32(attrs.Perm())
	out.Size = uint64(attrs.Size)
	out.Blocks = uint64(attrs.Blocks())
	out.Blksize = 4096
	out.Nlink = attrs.Nlink()
	out.Mtime = uint64(attrs.ModTime)
	out.Ctime = uint64(attrs.ModTime)
}

func fillDirAttr(out *fuse.Attr, attrs protocol.StatResult) {
	out.Mode = syscall.S_IFDIR | uint32(attrs.Perm())
	out.Nlink = attrs.Nlink()
	out.Mtime = uint64(attrs.ModTime)
	out.Ctime = uint64(attrs.ModTime)
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
