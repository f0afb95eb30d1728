// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace virtualizes a host-owned directory tree inside
// the guest. File operations addressed under the namespace root are
// answered from a local cache populated over the host connection;
// every other path is handed to the real filesystem untouched.
//
// The namespace is strictly read-only. Write-intent operations on
// workspace paths fail with EROFS before any host traffic. A path the
// host does not export, and any transport failure while asking, both
// surface as ENOENT: guest programs expect filesystem errors, not
// network errors.
//
// Once an operation has been routed to the cache, the caller holds an
// ordinary local file; later reads, seeks, and maps cost nothing
// extra. Cached objects are trusted for the life of the cache: there
// is no staleness detection, and a host file that changes after first
// access keeps serving its original bytes.
package workspace
