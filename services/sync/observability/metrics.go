// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the sync engine.
//
// # Description
//
// Metrics cover the full update path: applied updates, served state
// responses (with cache disposition), diff requests, compactions,
// realtime session counts and advisory lock contention.
//
// # Integration
//
// Exposed via the /metrics endpoint. All metric operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "boardsync"

const syncSubsystem = "sync"

// SyncMetrics holds all Prometheus metrics for board synchronization.
//
// # Fields
//
//   - UpdatesTotal: Counter of updates applied, by source.
//   - StateRequestsTotal: Counter of state responses, by variant and
//     cache disposition.
//   - DiffRequestsTotal: Counter of state-vector diffs, by result.
//   - CompactionsTotal: Counter of compaction passes.
//   - CompactionPrunedTotal: Counter of update rows pruned.
//   - ActiveSessions: Gauge of open realtime sessions.
//   - LockContentionsTotal: Counter of denied lock acquisitions.
//   - CorruptRowsTotal: Counter of skipped corrupt log rows.
type SyncMetrics struct {
	// UpdatesTotal counts applied updates.
	// Labels: source (websocket, replay)
	UpdatesTotal *prometheus.CounterVec

	// StateRequestsTotal counts state responses.
	// Labels: variant (snapshot, json, updates, diff), cache (hit, miss)
	StateRequestsTotal *prometheus.CounterVec

	// DiffRequestsTotal counts diff computations.
	// Labels: result (diff, empty)
	DiffRequestsTotal *prometheus.CounterVec

	// CompactionsTotal counts compaction passes.
	// Labels: status (success, error)
	CompactionsTotal *prometheus.CounterVec

	// CompactionPrunedTotal counts pruned update rows.
	CompactionPrunedTotal prometheus.Counter

	// ActiveSessions tracks open realtime sessions.
	ActiveSessions prometheus.Gauge

	// LockContentionsTotal counts lock acquisitions denied because
	// another session held the node.
	LockContentionsTotal prometheus.Counter

	// CorruptRowsTotal counts corrupt log rows skipped during replay.
	CorruptRowsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
// Recording helpers are no-ops until it is initialized, so library code
// and tests never need a registry.
var DefaultMetrics *SyncMetrics

// InitMetrics initializes and registers the default metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *SyncMetrics {
	DefaultMetrics = &SyncMetrics{
		UpdatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "updates_total",
				Help:      "Total updates applied, by source",
			},
			[]string{"source"},
		),

		StateRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "state_requests_total",
				Help:      "Total state responses served, by variant and cache disposition",
			},
			[]string{"variant", "cache"},
		),

		DiffRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "diff_requests_total",
				Help:      "Total state-vector diff computations, by result",
			},
			[]string{"result"},
		),

		CompactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "compactions_total",
				Help:      "Total compaction passes, by status",
			},
			[]string{"status"},
		),

		CompactionPrunedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "compaction_pruned_rows_total",
				Help:      "Total update rows pruned by compaction",
			},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "active_sessions",
				Help:      "Number of open realtime sessions",
			},
		),

		LockContentionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "lock_contentions_total",
				Help:      "Total advisory lock acquisitions denied due to contention",
			},
		),

		CorruptRowsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "corrupt_rows_total",
				Help:      "Total corrupt update rows skipped during replay",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordUpdate records one applied update from the given source.
func RecordUpdate(source string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.UpdatesTotal.WithLabelValues(source).Inc()
}

// RecordStateRequest records one served state response.
func RecordStateRequest(variant string, cacheHit bool) {
	if DefaultMetrics == nil {
		return
	}
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	DefaultMetrics.StateRequestsTotal.WithLabelValues(variant, cache).Inc()
}

// RecordDiff records one diff computation.
func RecordDiff(empty bool) {
	if DefaultMetrics == nil {
		return
	}
	result := "diff"
	if empty {
		result = "empty"
	}
	DefaultMetrics.DiffRequestsTotal.WithLabelValues(result).Inc()
}

// RecordCompaction records a compaction pass and its pruned row count.
func RecordCompaction(pruned int, err error) {
	if DefaultMetrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.CompactionsTotal.WithLabelValues(status).Inc()
	if pruned > 0 {
		DefaultMetrics.CompactionPrunedTotal.Add(float64(pruned))
	}
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ActiveSessions.Dec()
}

// RecordLockContention counts a denied lock acquisition.
func RecordLockContention() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.LockContentionsTotal.Inc()
}

// RecordCorruptRow counts a skipped corrupt log row.
func RecordCorruptRow() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.CorruptRowsTotal.Inc()
}
