// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"os"
	"strings"

	"github.com/bureau-foundation/workspacefs/protocol"
)

// resolve turns name into one absolute path using the working
// directory as context. Absolute names pass through unchanged;
// relative names are joined verbatim, with no lexical cleaning, so
// the same input always produces the same output. A false return
// means the path could not be resolved and must be treated as
// ordinary, non-namespace file access.
func (w *FS) resolve(name string) (string, bool) {
	if isAbs(name) {
		return checkLength(name)
	}
	dir, err := w.system.Getwd()
	if err != nil {
		return "", false
	}
	return checkLength(dir + "/" + name)
}

// resolveAt is resolve with a directory handle as the context for
// relative names, the *at-call analog. A nil handle means the working
// directory.
func (w *FS) resolveAt(dir *os.File, name string) (string, bool) {
	if isAbs(name) {
		return checkLength(name)
	}
	if dir == nil {
		return w.resolve(name)
	}
	dirPath, err := w.system.HandlePath(dir)
	if err != nil {
		return "", false
	}
	return checkLength(dirPath + "/" + name)
}

// split classifies an absolute path against the namespace root. A
// path equal to the root has the empty relative path; a path under it
// carries the remainder. Dot segments are not collapsed here: a
// relative path containing ".." is passed to the host as-is, and the
// host refuses to serve it.
func (w *FS) split(path string) (rel string, inside bool) {
	if path == w.root {
		return "", true
	}
	prefix := w.root + "/"
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):], true
	}
	return "", false
}

func isAbs(name string) bool {
	return len(name) > 0 && name[0] == '/'
}

func checkLength(path string) (string, bool) {
	if len(path) > protocol.MaxPathLength {
		return "", false
	}
	return path, true
}
