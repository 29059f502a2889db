// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieve

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

// Package-level tracer and meter for retrieval metrics.
var (
	tracer = otel.Tracer("harbor.retrieve")
	meter  = otel.Meter("harbor.retrieve")
)

// Metric instruments for retrieval.
var (
	queryTotal    metric.Int64Counter
	degradedTotal metric.Int64Counter
	resultCount   metric.Int64Histogram
	queryDuration metric.Float64Histogram

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

		queryTotal, err = meter.Int64Counter(
			"retrieve_queries_total",
			metric.WithDescription("Total retrieval queries by mode"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		degradedTotal, err = meter.Int64Counter(
			"retrieve_degraded_total",
			metric.WithDescription("Queries answered without the similarity backend"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resultCount, err = meter.Int64Histogram(
			"retrieve_results",
			metric.WithDescription("Ranked results returned per query"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryDuration, err = meter.Float64Histogram(
			"retrieve_query_duration_seconds",
			metric.WithDescription("Duration of retrieval queries in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordQuery records one retrieval query.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - mode: hybrid, structural, or similarity.
//   - results: Ranked results returned.
//   - degraded: Similarity backend was unavailable.
//   - took: Query wall time.
func recordQuery(ctx context.Context, mode string, results int, degraded bool, took time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	queryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
	if degraded {
		degradedTotal.Add(ctx, 1)
	}
	resultCount.Record(ctx, int64(results))
	queryDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// startRetrieveSpan creates a span for one retrieval query.
func startRetrieveSpan(ctx context.Context, seeds, embeddingDims int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Retriever.Retrieve",
		trace.WithAttributes(
			attribute.Int("retrieve.seeds", seeds),
			attribute.Int("retrieve.embedding_dims", embeddingDims),
		),
	)
}

// setRetrieveSpanResult sets the result attributes on a retrieve span.
func setRetrieveSpanResult(span trace.Span, snapshotID string, results int, truncated, degraded bool) {
	span.SetAttributes(
		attribute.String("retrieve.snapshot_id", snapshotID),
		attribute.Int("retrieve.results", results),
		attribute.Bool("retrieve.truncated", truncated),
		attribute.Bool("retrieve.degraded", degraded),
	)
}
