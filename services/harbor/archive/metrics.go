// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

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

// Package-level tracer and meter for archive metrics.
var (
	tracer = otel.Tracer("harbor.archive")
	meter  = otel.Meter("harbor.archive")
)

// Metric instruments for exports and imports.
var (
	exportTotal    metric.Int64Counter
	importTotal    metric.Int64Counter
	exportBytes    metric.Int64Counter
	exportDuration metric.Float64Histogram
	importDuration metric.Float64Histogram

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

		exportTotal, err = meter.Int64Counter(
			"archive_exports_total",
			metric.WithDescription("Total number of snapshot exports by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		importTotal, err = meter.Int64Counter(
			"archive_imports_total",
			metric.WithDescription("Total number of snapshot imports by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		exportBytes, err = meter.Int64Counter(
			"archive_export_bytes_total",
			metric.WithDescription("Total compressed bytes written by exports"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		exportDuration, err = meter.Float64Histogram(
			"archive_export_duration_seconds",
			metric.WithDescription("Duration of snapshot exports in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		importDuration, err = meter.Float64Histogram(
			"archive_import_duration_seconds",
			metric.WithDescription("Duration of snapshot imports in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordExport records one export attempt.
func recordExport(ctx context.Context, status string, compressed int64, took time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	exportTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	if compressed > 0 {
		exportBytes.Add(ctx, compressed)
	}
	exportDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// recordImport records one import attempt.
func recordImport(ctx context.Context, status string, took time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	importTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	importDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// startExportSpan creates a span for one export.
func startExportSpan(ctx context.Context, snapID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Archiver.Export",
		trace.WithAttributes(attribute.String("archive.snapshot", snapID)))
}

// startImportSpan creates a span for one import.
func startImportSpan(ctx context.Context, snapID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Archiver.Import",
		trace.WithAttributes(attribute.String("archive.snapshot", snapID)))
}

// setImportSpanResult sets the result attributes on an import span.
func setImportSpanResult(span trace.Span, newID string, nodes, edges int) {
	span.SetAttributes(
		attribute.String("archive.import_id", newID),
		attribute.Int("archive.nodes", nodes),
		attribute.Int("archive.edges", edges),
	)
}

// setExportSpanResult sets the result attributes on an export span.
func setExportSpanResult(span trace.Span, m *Manifest) {
	span.SetAttributes(
		attribute.Int("archive.nodes", m.NodeCount),
		attribute.Int("archive.edges", m.EdgeCount),
		attribute.Int64("archive.compressed_bytes", m.CompressedSize),
		attribute.Int64("archive.uncompressed_bytes", m.UncompressedSize),
		attribute.Float64("archive.compression_ratio", m.CompressionRatio()),
	)
}
