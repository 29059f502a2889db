// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for watch metrics.
var (
	tracer = otel.Tracer("harbor.watch")
	meter  = otel.Meter("harbor.watch")
)

// Metric instruments for the watch loop.
var (
	changesTotal    metric.Int64Counter
	droppedTotal    metric.Int64Counter
	rebuildTotal    metric.Int64Counter
	rebuildDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		changesTotal, err = meter.Int64Counter(
			"watch_changes_total",
			metric.WithDescription("Total number of coalesced file changes forwarded by the watcher"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		droppedTotal, err = meter.Int64Counter(
			"watch_changes_dropped_total",
			metric.WithDescription("Total number of raw change events dropped on a full buffer"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rebuildTotal, err = meter.Int64Counter(
			"watch_rebuilds_total",
			metric.WithDescription("Total number of watch-triggered rebuild passes by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rebuildDuration, err = meter.Float64Histogram(
			"watch_rebuild_duration_seconds",
			metric.WithDescription("Duration of watch-triggered rebuild passes in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordChanges records one flushed batch.
func recordChanges(ctx context.Context, count int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	changesTotal.Add(ctx, int64(count))
}

// recordDropped records raw events lost to a full buffer.
func recordDropped(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	droppedTotal.Add(ctx, 1)
}

// recordRebuild records one rebuild pass.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - status: ok or error.
//   - took: Rebuild wall time.
func recordRebuild(ctx context.Context, status string, took time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	rebuildTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	rebuildDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// startRebuildSpan creates a span for one watch-triggered rebuild.
func startRebuildSpan(ctx context.Context, changes int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Watcher.rebuild",
		trace.WithAttributes(attribute.Int("watch.changes", changes)))
}

// setRebuildSpanResult sets the result attributes on a rebuild span.
func setRebuildSpanResult(span trace.Span, snapshotID string, incremental bool) {
	span.SetAttributes(
		attribute.String("watch.snapshot_id", snapshotID),
		attribute.Bool("watch.incremental", incremental),
	)
}
