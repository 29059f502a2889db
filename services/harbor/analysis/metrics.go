// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for source analysis.
var (
	tracer = otel.Tracer("harbor.analysis")
	meter  = otel.Meter("harbor.analysis")
)

// Metrics for analysis operations.
var (
	analyzeLatency metric.Float64Histogram
	analyzeTotal   metric.Int64Counter
	declsExtracted metric.Int64Histogram
	analyzeErrors  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analyzeLatency, err = meter.Float64Histogram(
			"analysis_duration_seconds",
			metric.WithDescription("Duration of file analysis operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeTotal, err = meter.Int64Counter(
			"analysis_files_total",
			metric.WithDescription("Total number of analyzed files"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		declsExtracted, err = meter.Int64Histogram(
			"analysis_decls_extracted",
			metric.WithDescription("Number of declarations extracted per file"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeErrors, err = meter.Int64Counter(
			"analysis_errors_total",
			metric.WithDescription("Total number of failed analysis operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAnalyzeMetrics records metrics for one analysis operation.
func recordAnalyzeMetrics(ctx context.Context, duration time.Duration, declCount int, success bool) {
	if err := initMetrics(); err != nil {
		return // Silently skip if metrics init failed
	}

	attrs := metric.WithAttributes(
		attribute.Bool("success", success),
	)

	analyzeLatency.Record(ctx, duration.Seconds(), attrs)
	analyzeTotal.Add(ctx, 1, attrs)

	if success {
		declsExtracted.Record(ctx, int64(declCount))
	} else {
		analyzeErrors.Add(ctx, 1)
	}
}

// startAnalyzeSpan creates a span for a file analysis operation.
//
// Returns:
//   - ctx: Context with span
//   - span: The created span (caller must call span.End())
func startAnalyzeSpan(ctx context.Context, filePath string, contentSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Analyzer.AnalyzeFile",
		trace.WithAttributes(
			attribute.String("analysis.file", filePath),
			attribute.Int("analysis.content_size", contentSize),
		),
	)
}

// setAnalyzeSpanResult sets the result attributes on an analysis span.
func setAnalyzeSpanResult(span trace.Span, declCount int, errorCount int) {
	span.SetAttributes(
		attribute.Int("analysis.decl_count", declCount),
		attribute.Int("analysis.error_count", errorCount),
	)
}
