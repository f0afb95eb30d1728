// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus counters for workspace
// virtualization activity.
//
// A [Set] is carried by the remote client, the cache, and the
// dispatch layer. A nil *Set is valid and records nothing, so library
// consumers that do not scrape metrics pay nothing and wire nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the counters updated during workspace operation. Create
// one with NewSet; the zero value is not usable, but a nil pointer is
// (every Record method is a no-op on nil).
type Set struct {
	registry *prometheus.Registry

	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheFailures   prometheus.Counter
	remoteCalls     *prometheus.CounterVec
	remoteBytes     prometheus.Counter
	transportErrors prometheus.Counter
	writeRejections prometheus.Counter
}

// NewSet creates a Set backed by its own registry, so multiple
// instances (and tests) never collide on metric registration.
func NewSet() *Set {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Set{
		registry: registry,
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspacefs_cache_hits_total",
			Help: "Workspace opens satisfied by an existing cache entry",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspacefs_cache_misses_total",
			Help: "Workspace opens that required fetching from the host",
		}),
		cacheFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspacefs_cache_failures_total",
			Help: "Cache population attempts that failed",
		}),
		remoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workspacefs_remote_calls_total",
			Help: "Requests sent to the host file server",
		}, []string{"op"}),
		remoteBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspacefs_remote_bytes_total",
			Help: "File content bytes received from the host",
		}),
		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspacefs_transport_errors_total",
			Help: "Connection, framing, and decode failures",
		}),
		writeRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspacefs_write_rejections_total",
			Help: "Write-intent operations rejected on the read-only namespace",
		}),
	}
}

// Handler serves the set's registry in the Prometheus exposition
// format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry, mainly for tests.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}

// RecordCacheHit notes an access satisfied locally.
func (s *Set) RecordCacheHit() {
	if s == nil {
		return
	}
	s.cacheHits.Inc()
}

// RecordCacheMiss notes an access that had to go to the host.
func (s *Set) RecordCacheMiss() {
	if s == nil {
		return
	}
	s.cacheMisses.Inc()
}

// RecordCacheFailure notes a failed cache population.
func (s *Set) RecordCacheFailure() {
	if s == nil {
		return
	}
	s.cacheFailures.Inc()
}

// RecordRemoteCall notes one request of the given operation name
// ("stat", "read", "readdir") sent to the host.
func (s *Set) RecordRemoteCall(op string) {
	if s == nil {
		return
	}
	s.remoteCalls.WithLabelValues(op).Inc()
}

// RecordRemoteBytes notes file content received from the host.
func (s *Set) RecordRemoteBytes(n int) {
	if s == nil {
		return
	}
	s.remoteBytes.Add(float64(n))
}

// RecordTransportError notes a discarded connection.
func (s *Set) RecordTransportError() {
	if s == nil {
		return
	}
	s.transportErrors.Inc()
}

// RecordWriteRejection notes a write-intent operation refused on the
// read-only namespace.
func (s *Set) RecordWriteRejection() {
	if s == nil {
		return
	}
	s.writeRejections.Inc()
}
