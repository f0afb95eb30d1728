// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote implements the guest-side client for the host file
// server protocol.
//
// A [Client] owns at most one connection to the host, established
// lazily on the first call and guarded by a mutex for the full
// duration of each request/response exchange, so concurrent callers
// serialize and frames never interleave. Any transport failure,
// malformed frame, or response that does not decode cleanly discards
// the connection before the error returns; the next call dials from
// scratch. There is no retry within a call.
//
// A host that reports not-found, or any other in-protocol status,
// answered with a well-formed frame; only the error comes back, the
// connection stays.
//
// Each send and each receive is bounded by a fixed per-operation
// deadline. There is deliberately no overall deadline and no
// cancellation: callers are ordinary blocking file operations with no
// way to express either.
package remote
