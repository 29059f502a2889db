// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

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

// Package-level tracer and meter for promotion metrics.
var (
	tracer = otel.Tracer("harbor.apply")
	meter  = otel.Meter("harbor.apply")
)

// Metric instruments for promotions.
var (
	promotionTotal    metric.Int64Counter
	revertTotal       metric.Int64Counter
	filesWritten      metric.Int64Counter
	promotionDuration metric.Float64Histogram

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

		promotionTotal, err = meter.Int64Counter(
			"apply_promotions_total",
			metric.WithDescription("Total number of promotion attempts by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		revertTotal, err = meter.Int64Counter(
			"apply_reverts_total",
			metric.WithDescription("Total number of promotions rolled back after failed re-verification"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesWritten, err = meter.Int64Counter(
			"apply_files_written_total",
			metric.WithDescription("Total number of workspace files written by promotions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		promotionDuration, err = meter.Float64Histogram(
			"apply_promotion_duration_seconds",
			metric.WithDescription("Duration of promotion attempts in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordPromotion records one promotion attempt.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - status: promoted, reverted, or rejected.
//   - files: Workspace files written, zero when rejected early.
//   - took: Promotion wall time.
func recordPromotion(ctx context.Context, status string, files int, took time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	promotionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	if files > 0 {
		filesWritten.Add(ctx, int64(files))
	}
	promotionDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// recordRevert records one rollback.
func recordRevert(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	revertTotal.Add(ctx, 1)
}

// startPromoteSpan creates a span for one promotion attempt.
func startPromoteSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller.Promote")
}

// setPromoteSpanResult sets the result attributes on a promote span.
func setPromoteSpanResult(span trace.Span, commitID string, rows, files int, reverted bool) {
	span.SetAttributes(
		attribute.String("apply.commit_id", commitID),
		attribute.Int("apply.rows", rows),
		attribute.Int("apply.files", files),
		attribute.Bool("apply.reverted", reverted),
	)
}
