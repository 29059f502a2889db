// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Package-level tracer and meter for gate operations.
var (
	tracer = otel.Tracer("harbor.gate")
	meter  = otel.Meter("harbor.gate")
)

// Metrics for gate validations.
var (
	validationLatency metric.Float64Histogram
	validationTotal   metric.Int64Counter
	busyTotal         metric.Int64Counter
	testsSelected     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		validationLatency, err = meter.Float64Histogram(
			"gate_validation_duration_seconds",
			metric.WithDescription("End-to-end duration of gate validations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		validationTotal, err = meter.Int64Counter(
			"gate_validations_total",
			metric.WithDescription("Total number of gate validations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		busyTotal, err = meter.Int64Counter(
			"gate_busy_total",
			metric.WithDescription("Validations rejected at the concurrency cap"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		testsSelected, err = meter.Int64Histogram(
			"gate_tests_selected",
			metric.WithDescription("Relevant tests selected per validation"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordValidationMetrics records metrics for one finished validation.
func recordValidationMetrics(ctx context.Context, outcome codegraph.Outcome, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))

	validationLatency.Record(ctx, duration.Seconds(), attrs)
	validationTotal.Add(ctx, 1, attrs)
}

// recordBusyMetrics records a rejection at the concurrency cap.
func recordBusyMetrics(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	busyTotal.Add(ctx, 1)
}

// recordTestsSelectedMetrics records the test selection size.
func recordTestsSelectedMetrics(ctx context.Context, count int) {
	if err := initMetrics(); err != nil {
		return
	}
	testsSelected.Record(ctx, int64(count))
}

// startValidateSpan creates a span for one validation.
func startValidateSpan(ctx context.Context, id isg.NodeID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Gate.Validate",
		trace.WithAttributes(
			attribute.String("gate.node_id", string(id)),
		),
	)
}

// setValidateSpanResult sets the result attributes on a validate span.
func setValidateSpanResult(span trace.Span, runID string, outcome codegraph.Outcome) {
	span.SetAttributes(
		attribute.String("gate.run_id", runID),
		attribute.String("gate.outcome", outcome.String()),
	)
}

// startStageSpan creates a span for one pipeline stage.
func startStageSpan(ctx context.Context, stage codegraph.Stage) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Gate.Stage",
		trace.WithAttributes(
			attribute.String("gate.stage", stage.String()),
		),
	)
}
