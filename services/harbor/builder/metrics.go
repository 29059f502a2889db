// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for snapshot construction.
var (
	tracer = otel.Tracer("harbor.builder")
	meter  = otel.Meter("harbor.builder")
)

// Metrics for build operations.
var (
	buildLatency  metric.Float64Histogram
	buildTotal    metric.Int64Counter
	filesAnalyzed metric.Int64Histogram
	filesReused   metric.Int64Histogram
	buildFailures metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"build_duration_seconds",
			metric.WithDescription("Duration of snapshot builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"build_total",
			metric.WithDescription("Total number of snapshot builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesAnalyzed, err = meter.Int64Histogram(
			"build_files_analyzed",
			metric.WithDescription("Files analyzed per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesReused, err = meter.Int64Histogram(
			"build_files_reused",
			metric.WithDescription("Cached analysis results reused per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildFailures, err = meter.Int64Histogram(
			"build_file_failures",
			metric.WithDescription("Files excluded after repeated analysis failures, per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBuildMetrics records metrics for one completed build.
func recordBuildMetrics(ctx context.Context, result *Result, incremental bool) {
	if err := initMetrics(); err != nil {
		return // Silently skip if metrics init failed
	}

	attrs := metric.WithAttributes(
		attribute.Bool("incremental", incremental),
	)

	buildLatency.Record(ctx, result.Duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)
	filesAnalyzed.Record(ctx, int64(result.FilesAnalyzed), attrs)
	filesReused.Record(ctx, int64(result.FilesReused), attrs)
	buildFailures.Record(ctx, int64(len(result.Failures)), attrs)
}

// startBuildSpan creates a span for a build operation.
//
// Returns:
//   - ctx: Context with span
//   - span: The created span (caller must call span.End())
func startBuildSpan(ctx context.Context, root string, incremental bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Builder.Build",
		trace.WithAttributes(
			attribute.String("build.root", root),
			attribute.Bool("build.incremental", incremental),
		),
	)
}
