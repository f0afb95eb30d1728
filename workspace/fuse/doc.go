// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes a host workspace as a read-only FUSE mount, for
// guest programs that cannot link against the workspace library.
//
// The mount mirrors the namespace the dispatch layer virtualizes: every
// path under the mountpoint is resolved against the host's exported
// tree, content is materialized into the local cache on first open, and
// subsequent reads are served from the cache file at local-disk speed.
//
// # Lookup Path
//
// Lookup consults the cache's attribute journal first, so entries
// materialized in earlier runs keep their host mode and mtime without
// network traffic. Journal misses fall through to a remote STAT, whose
// result is journaled for the next run.
//
// # Read Path
//
// Open triggers full materialization through the cache manager, then
// holds an ordinary descriptor on the cache file. Reads are plain
// pread calls against that descriptor; the kernel page cache is kept
// enabled because cached content is immutable.
//
// # Directory Listing
//
// The host protocol cannot enumerate directories, so Readdir reflects
// only what the cache already holds. A directory never opened before
// lists empty even when the host side has entries; lookups of concrete
// names still succeed.
//
// # Write Path
//
// Not implemented. All mutation operations (Create, Write, Mkdir,
// Unlink, Rename, Setattr) return EROFS.
package fuse
