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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

const codegraphTracerName = "harbor.codegraph"

// Tracer provides OpenTelemetry tracing for code graph operations.
//
// # Description
//
// Wraps the OpenTelemetry tracer with row-operation span creation and
// attribute management. When disabled, returns noop spans for zero
// overhead.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new code graph tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(codegraphTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartSetFuture starts a span for a candidate proposal.
func (t *Tracer) StartSetFuture(ctx context.Context, id isg.NodeID, action FutureAction) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "codegraph.set_future",
		trace.WithAttributes(
			attribute.String("row.node_id", string(id)),
			attribute.String("row.action", action.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "proposing candidate",
		slog.String("node_id", string(id)),
		slog.String("action", action.String()),
	)

	return ctx, span
}

// EndSetFuture completes a proposal span.
func (t *Tracer) EndSetFuture(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartBeginValidation starts a span for opening a validation run.
func (t *Tracer) StartBeginValidation(ctx context.Context, id isg.NodeID) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "codegraph.begin_validation",
		trace.WithAttributes(
			attribute.String("row.node_id", string(id)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "beginning validation",
		slog.String("node_id", string(id)),
	)

	return ctx, span
}

// EndBeginValidation completes a validation-open span.
//
// # Inputs
//
//   - span: The span to end.
//   - run: The opened run (may be nil on error).
//   - err: Error if the open failed.
func (t *Tracer) EndBeginValidation(span trace.Span, run *ValidationRun, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	if run != nil {
		span.SetAttributes(
			attribute.String("row.run_id", run.ID),
			attribute.String("row.candidate_id", run.CandidateID),
		)
	}
}

// StartRecordResult starts a span for recording one stage result.
func (t *Tracer) StartRecordResult(ctx context.Context, id isg.NodeID, stage Stage, outcome Outcome) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	return t.tracer.Start(ctx, "codegraph.record_validation_result",
		trace.WithAttributes(
			attribute.String("row.node_id", string(id)),
			attribute.String("row.stage", stage.String()),
			attribute.String("row.outcome", outcome.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRecordResult completes a stage-result span.
func (t *Tracer) EndRecordResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartApply starts a span for a promotion.
func (t *Tracer) StartApply(ctx context.Context, ids []isg.NodeID, commitID string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "codegraph.apply",
		trace.WithAttributes(
			attribute.Int("row.count", len(ids)),
			attribute.String("row.commit_id", truncateForTrace(commitID, 40)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "applying candidate set",
		slog.Int("rows", len(ids)),
		slog.String("commit", commitID),
	)

	return ctx, span
}

// EndApply completes a promotion span.
//
// # Inputs
//
//   - span: The span to end.
//   - promoted: Rows actually promoted.
//   - err: Error if the promotion failed.
func (t *Tracer) EndApply(span trace.Span, promoted int, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("row.promoted", promoted))
}

// StartRevert starts a span for a promotion revert.
func (t *Tracer) StartRevert(ctx context.Context, rows int, commitID string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "codegraph.revert",
		trace.WithAttributes(
			attribute.Int("row.count", rows),
			attribute.String("row.commit_id", truncateForTrace(commitID, 40)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "reverting candidate set",
		slog.Int("rows", rows),
		slog.String("commit", commitID),
	)

	return ctx, span
}

// EndRevert completes a revert span.
func (t *Tracer) EndRevert(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartClearFuture starts a span for a candidate abort.
func (t *Tracer) StartClearFuture(ctx context.Context, id isg.NodeID) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	return t.tracer.Start(ctx, "codegraph.clear_future",
		trace.WithAttributes(
			attribute.String("row.node_id", string(id)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndClearFuture completes an abort span.
func (t *Tracer) EndClearFuture(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartSync starts a span for a row table reconciliation.
func (t *Tracer) StartSync(ctx context.Context, nodes int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	return t.tracer.Start(ctx, "codegraph.sync",
		trace.WithAttributes(
			attribute.Int("sync.nodes", nodes),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSync completes a reconciliation span.
//
// # Inputs
//
//   - span: The span to end.
//   - stats: The reconciliation stats (may be nil on error).
//   - err: Error if the reconciliation failed.
func (t *Tracer) EndSync(span trace.Span, stats *SyncStats, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	if stats != nil {
		span.SetAttributes(
			attribute.Int("sync.created", stats.Created),
			attribute.Int("sync.refreshed", stats.Refreshed),
			attribute.Int("sync.deleted", stats.Deleted),
			attribute.Int("sync.kept", stats.Kept),
		)
	}
}

// RecordTransition records a row state transition event on the current span.
//
// # Inputs
//
//   - ctx: Context containing the active span.
//   - id: Row identifier.
//   - from: Previous state.
//   - to: New state.
func (t *Tracer) RecordTransition(ctx context.Context, id isg.NodeID, from, to RowState) {
	span := trace.SpanFromContext(ctx)
	// Note: SpanFromContext returns noop span (not nil) when no span exists.
	// We check validity to avoid unnecessary calls to noop spans.
	if !span.SpanContext().IsValid() {
		return
	}

	span.AddEvent("state_transition",
		trace.WithAttributes(
			attribute.String("row.node_id", string(id)),
			attribute.String("row.from_state", from.String()),
			attribute.String("row.to_state", to.String()),
		),
	)

	t.logger.DebugContext(ctx, "row state transition",
		slog.String("node_id", string(id)),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// truncateForTrace truncates a string for use in span attributes.
// Prevents excessive memory usage from long strings.
//
// If maxLen is less than 4, returns at most maxLen characters without suffix.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Need at least 4 chars to add "..." suffix (1 char + "...")
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger with trace context fields.
//
// # Description
//
// Extracts trace_id and span_id from the context and adds them
// to the logger for correlation with distributed traces.
//
// # Inputs
//
//   - ctx: Context that may contain trace information.
//   - logger: Base logger to extend.
//
// # Outputs
//
//   - *slog.Logger: Logger with trace_id and span_id if available.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
