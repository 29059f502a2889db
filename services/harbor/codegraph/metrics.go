// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegraph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for code graph metrics.
var meter = otel.Meter("harbor.codegraph")

// Metric instruments for row operations.
var (
	opTotal         metric.Int64Counter
	transitionTotal metric.Int64Counter
	blockedTotal    metric.Int64Counter
	stageDuration   metric.Float64Histogram
	liveValidations metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
// Set by the Graph on initialization.
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

		opTotal, err = meter.Int64Counter(
			"codegraph_operations_total",
			metric.WithDescription("Total number of row operations by name and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transitionTotal, err = meter.Int64Counter(
			"codegraph_transitions_total",
			metric.WithDescription("Total number of row state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		blockedTotal, err = meter.Int64Counter(
			"codegraph_rows_blocked_total",
			metric.WithDescription("Total number of rows that exhausted their validation attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stageDuration, err = meter.Float64Histogram(
			"codegraph_stage_duration_seconds",
			metric.WithDescription("Duration of validation stages in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		liveValidations, err = meter.Int64UpDownCounter(
			"codegraph_validations_live",
			metric.WithDescription("Number of validation runs currently in flight"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordOp records one row operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - op: Operation name (set_future, begin_validation, ...).
//   - success: Whether the operation succeeded.
func recordOp(ctx context.Context, op string, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}

	opTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status),
	))
}

// recordTransition records one row state transition.
func recordTransition(ctx context.Context, from, to RowState) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	transitionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// recordBlocked records a row entering the blocked terminal.
func recordBlocked(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	blockedTotal.Add(ctx, 1)
}

// recordStageResult records one validation stage result.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - stage: The gate stage the result belongs to.
//   - outcome: The stage's outcome.
//   - took: How long the stage ran.
func recordStageResult(ctx context.Context, stage Stage, outcome Outcome, took time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	stageDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("outcome", outcome.String()),
	))
}

// incLiveValidations increments the live validation gauge.
func incLiveValidations(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	liveValidations.Add(ctx, 1)
}

// decLiveValidations decrements the live validation gauge.
func decLiveValidations(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	liveValidations.Add(ctx, -1)
}
