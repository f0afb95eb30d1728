// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache materializes host workspace objects on the local
// disk. Each relative path maps to exactly one location under the
// cache root, so repeated lookups of the same path converge on the
// same local file. Files are fetched whole, written to a temp file
// alongside their final location, and published with an atomic
// rename; readers never observe a partially transferred file at the
// final path.
//
// The cache operates on the local filesystem directly. Its paths live
// under the cache root, outside the virtual workspace namespace, so
// none of its own file operations re-enter the interception layer.
package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/workspacefs/cache/attrlog"
	"github.com/bureau-foundation/workspacefs/metrics"
	"github.com/bureau-foundation/workspacefs/protocol"
)

// Remote is the host access the cache needs: attribute lookup and
// chunked content reads. *remote.Client satisfies it.
type Remote interface {
	Stat(relPath string) (protocol.StatResult, error)
	Read(relPath string, offset uint64, length uint32) ([]byte, error)
}

// Options configures a Cache.
type Options struct {
	// Root is the directory holding cached objects. Required,
	// absolute. Created if absent.
	Root string

	// Remote fetches attributes and content from the host. Required.
	Remote Remote

	// Journal, when non-nil, records the host attributes of every
	// object the cache materializes.
	Journal *attrlog.Log

	// Logger receives fetch events. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics, when non-nil, counts hits, misses, and failures.
	Metrics *metrics.Set
}

// Cache maps workspace-relative paths to local files under a root
// directory and fetches missing objects from the host on demand.
type Cache struct {
	root    string
	remote  Remote
	journal *attrlog.Log
	logger  *slog.Logger
	metrics *metrics.Set
}

// New creates a Cache rooted at options.Root, creating the directory
// if needed.
func New(options Options) (*Cache, error) {
	if options.Root == "" {
		return nil, fmt.Errorf("cache: Root is required")
	}
	if !filepath.IsAbs(options.Root) {
		return nil, fmt.Errorf("cache: Root must be absolute, got %q", options.Root)
	}
	if options.Remote == nil {
		return nil, fmt.Errorf("cache: Remote is required")
	}
	if err := os.MkdirAll(options.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		root:    options.Root,
		remote:  options.Remote,
		journal: options.Journal,
		logger:  logger,
		metrics: options.Metrics,
	}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Path returns the local location for relPath: the cache root with
// the relative path appended verbatim. No cleaning or normalization
// is applied, so distinct relative paths map to distinct locations
// and the same path always maps to the same location. The empty
// relative path names the root itself.
func (c *Cache) Path(relPath string) string {
	if relPath == "" {
		return c.root
	}
	return c.root + "/" + relPath
}

// Ensure makes the object for relPath present in the cache, fetching
// it from the host if needed, and returns its local path. A path
// already present locally succeeds without any host traffic. A
// directory materializes as a local directory; a file is downloaded
// in full before it becomes visible at the returned path.
func (c *Cache) Ensure(relPath string) (string, error) {
	cachePath := c.Path(relPath)
	if _, err := os.Lstat(cachePath); err == nil {
		c.metrics.RecordCacheHit()
		return cachePath, nil
	}
	c.metrics.RecordCacheMiss()

	attrs, err := c.remote.Stat(relPath)
	if err != nil {
		c.metrics.RecordCacheFailure()
		return "", fmt.Errorf("remote stat %q: %w", relPath, err)
	}

	if attrs.IsDir {
		if err := os.MkdirAll(cachePath, 0o755); err != nil {
			c.metrics.RecordCacheFailure()
			return "", fmt.Errorf("creating cache directory: %w", err)
		}
	} else {
		if err := c.fetchFile(relPath, cachePath, attrs.Size); err != nil {
			c.metrics.RecordCacheFailure()
			return "", err
		}
		c.logger.Info("fetched workspace file",
			"path", relPath,
			"size", attrs.Size,
		)
	}

	c.recordAttrs(relPath, attrs)
	return cachePath, nil
}

// fetchFile downloads the file at relPath into cachePath. The
// transfer goes to a temp file in the same directory and is renamed
// into place only once complete; any failure removes the temp file.
func (c *Cache) fetchFile(relPath, cachePath string, size int64) error {
	parent := filepath.Dir(cachePath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating cache ancestors: %w", err)
	}

	temp, err := os.CreateTemp(parent, filepath.Base(cachePath)+".fetch-*")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	tempPath := temp.Name()
	success := false
	defer func() {
		if !success {
			temp.Close()
			os.Remove(tempPath)
		}
	}()

	// The host caps each response at one chunk; loop until the size
	// the stat reported has arrived. A zero-length response before
	// that point means the file shrank on the host since the stat;
	// the shorter content is accepted as-is.
	var written int64
	for written < size {
		want := size - written
		if want > protocol.ChunkSize {
			want = protocol.ChunkSize
		}
		chunk, err := c.remote.Read(relPath, uint64(written), uint32(want))
		if err != nil {
			return fmt.Errorf("remote read %q at offset %d: %w", relPath, written, err)
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := temp.Write(chunk); err != nil {
			return fmt.Errorf("writing cache temp file: %w", err)
		}
		written += int64(len(chunk))
	}

	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing cache temp file: %w", err)
	}
	if err := os.Rename(tempPath, cachePath); err != nil {
		return fmt.Errorf("publishing cache file: %w", err)
	}
	success = true
	return nil
}

// recordAttrs journals the host attributes for relPath. Journal
// failures are logged and otherwise ignored; the journal only spares
// host round trips after a restart.
func (c *Cache) recordAttrs(relPath string, attrs protocol.StatResult) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(relPath, attrs); err != nil {
		c.logger.Warn("recording attribute journal entry failed",
			"path", relPath,
			"error", err,
		)
	}
}

// Digest returns the hex BLAKE3 hash of the cache contents: every
// regular file under the root, visited in lexical order, contributes
// its cache-relative path and its bytes. Fetch temp files are
// skipped, so an interrupted transfer does not perturb the digest.
// Two caches holding identical objects produce identical digests.
func (c *Cache) Digest() (string, error) {
	hasher := blake3.New()
	err := filepath.WalkDir(c.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if strings.Contains(entry.Name(), ".fetch-") {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		hasher.Write([]byte(rel))
		hasher.Write([]byte{0})

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(hasher, file)
		file.Close()
		if err != nil {
			return err
		}
		hasher.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking cache root: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
