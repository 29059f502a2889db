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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// =============================================================================
// GATE
// =============================================================================

// Runners bundles the three stage runners and the optional analytics
// sink.
type Runners struct {
	// Checker runs stage 1: diagnostics over the in-memory overlay.
	Checker OverlayChecker

	// Builder runs stage 2: compilation of the overlay.
	Builder BuildRunner

	// Tester runs stage 3: selected tests against the overlay.
	Tester TestRunner

	// Sink receives finished stage results. Optional.
	Sink StageSink
}

// Gate drives a candidate through the three-stage validation pipeline
// and records every result in the row's audit trail.
//
// # Description
//
// The gate owns no state of its own. Rows and runs live in the code
// graph, structural queries go to the snapshot store, and the stages
// execute behind the three runner interfaces. A weighted semaphore caps
// concurrent validations; at capacity new requests are rejected with
// ErrGateBusy rather than queued, so callers keep control of their own
// backpressure.
//
// Stages run sequentially under individual time budgets. Supersession
// or caller cancellation stops the pipeline between (or inside) stages
// and concludes the run as cancelled. Results are always recorded on an
// uncancellable context: a verdict that was computed is never lost to
// the cancellation that ended the run.
//
// # Thread Safety
//
// Safe for concurrent use. Per-row serialization is enforced by the
// code graph, not the gate.
type Gate struct {
	rows    *codegraph.Graph
	store   *store.GraphStore
	root    string
	checker OverlayChecker
	builder BuildRunner
	tester  TestRunner
	sink    StageSink
	config  Config
	logger  *slog.Logger
	sem     *semaphore.Weighted
}

// New creates a gate over the given code graph and snapshot store.
//
// # Inputs
//
//   - rows: the temporal code graph holding rows and runs; required
//   - st: the snapshot store for blast-radius queries; required
//   - root: workspace root overlays are built against
//   - runners: the three stage runners (required) and optional sink
//   - config: gate tuning; zero fields take defaults
//   - logger: structured logger; defaults to slog.Default()
//
// # Outputs
//
//   - *Gate: the configured gate
//   - error: non-nil when a required dependency is missing
func New(rows *codegraph.Graph, st *store.GraphStore, root string, runners Runners, config Config, logger *slog.Logger) (*Gate, error) {
	if rows == nil {
		return nil, fmt.Errorf("gate: nil code graph")
	}
	if st == nil {
		return nil, fmt.Errorf("gate: nil snapshot store")
	}
	if runners.Checker == nil {
		return nil, fmt.Errorf("%w: overlay checker", ErrMissingRunner)
	}
	if runners.Builder == nil {
		return nil, fmt.Errorf("%w: build runner", ErrMissingRunner)
	}
	if runners.Tester == nil {
		return nil, fmt.Errorf("%w: test runner", ErrMissingRunner)
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	return &Gate{
		rows:    rows,
		store:   st,
		root:    root,
		checker: runners.Checker,
		builder: runners.Builder,
		tester:  runners.Tester,
		sink:    runners.Sink,
		config:  config,
		logger:  logger.With(slog.String("component", "gate")),
		sem:     semaphore.NewWeighted(config.MaxConcurrent),
	}, nil
}

// Validate drives the row's candidate through overlay, build, and test
// stages, recording each result.
//
// # Description
//
// The pipeline stops at the first non-passing stage. A failing or
// timed-out stage concludes the run and is reported through the
// returned run's Final outcome, not as an error: the gate did its job,
// the candidate did not. Errors are reserved for the gate being unable
// to run at all (capacity, row state) or losing the run mid-flight
// (supersession, cancellation).
//
// # Inputs
//
//   - ctx: cancels the validation; cancellation concludes the run as
//     cancelled
//   - id: the row whose candidate to validate
//
// # Outputs
//
//   - *codegraph.ValidationRun: the concluded run with per-stage results
//   - error: ErrGateBusy at capacity, ErrCancelled when the run was
//     cancelled or superseded, otherwise row-state or storage errors
//
// # Thread Safety
//
// Safe for concurrent use.
func (gt *Gate) Validate(ctx context.Context, id isg.NodeID) (*codegraph.ValidationRun, error) {
	ctx, span := startValidateSpan(ctx, id)
	defer span.End()

	if !gt.sem.TryAcquire(1) {
		recordBusyMetrics(ctx)
		span.SetStatus(codes.Error, ErrGateBusy.Error())
		return nil, ErrGateBusy
	}
	defer gt.sem.Release(1)

	start := time.Now()

	// runCtx inherits the validate span and is cancelled on
	// supersession; every stage context derives from it.
	run, runCtx, err := gt.rows.BeginValidation(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	gt.logger.Info("Validation started",
		slog.String("node_id", string(id)),
		slog.String("run_id", run.ID),
		slog.String("candidate_id", run.CandidateID),
	)

	var overlay *Overlay
	final := codegraph.OutcomeUnknown

	stages := []struct {
		stage  codegraph.Stage
		budget time.Duration
		body   stageBody
	}{
		{codegraph.StageOverlay, gt.config.OverlayBudget, func(sc context.Context) (stageVerdict, error) {
			row, err := gt.rows.Row(sc, id)
			if err != nil {
				return stageVerdict{}, err
			}
			ov, err := BuildOverlay(gt.root, []*codegraph.Row{row})
			if err != nil {
				return stageVerdict{}, err
			}
			overlay = ov
			diags, err := gt.checker.Check(sc, ov)
			if err != nil {
				return stageVerdict{}, err
			}
			if hard := errorDiagnostics(diags); len(hard) > 0 {
				return stageVerdict{
					outcome:     codegraph.OutcomeFail,
					detail:      formatDiagnostics(hard),
					diagnostics: len(hard),
				}, nil
			}
			return stageVerdict{outcome: codegraph.OutcomePass}, nil
		}},
		{codegraph.StageBuild, gt.config.BuildBudget, func(sc context.Context) (stageVerdict, error) {
			report, err := gt.builder.Build(sc, overlay)
			if err != nil {
				return stageVerdict{}, err
			}
			if !report.Success {
				return stageVerdict{outcome: codegraph.OutcomeFail, detail: report.Output}, nil
			}
			return stageVerdict{outcome: codegraph.OutcomePass}, nil
		}},
		{codegraph.StageTests, gt.config.TestBudget, func(sc context.Context) (stageVerdict, error) {
			return gt.runTests(sc, id, overlay)
		}},
	}

	for _, s := range stages {
		verdict, took := gt.runStage(runCtx, s.stage, s.budget, s.body)
		if err := gt.recordStage(ctx, id, run.ID, s.stage, verdict, took); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		final = verdict.outcome
		if !verdict.outcome.Passed() {
			break
		}
	}

	setValidateSpanResult(span, run.ID, final)
	recordValidationMetrics(context.WithoutCancel(ctx), final, time.Since(start))

	if final == codegraph.OutcomeCancelled {
		gt.logger.Warn("Validation cancelled",
			slog.String("node_id", string(id)),
			slog.String("run_id", run.ID),
		)
		return nil, ErrCancelled
	}

	finished, err := gt.runByID(context.WithoutCancel(ctx), id, run.ID)
	if err != nil {
		return nil, err
	}

	gt.logger.Info("Validation finished",
		slog.String("node_id", string(id)),
		slog.String("run_id", run.ID),
		slog.String("outcome", final.String()),
		slog.Duration("duration", time.Since(start)),
	)
	return finished, nil
}

// stageVerdict is one stage body's self-reported result before
// reclassification.
type stageVerdict struct {
	outcome     codegraph.Outcome
	detail      string
	diagnostics int
}

// stageBody computes one stage's verdict. A returned error marks the
// stage failed with the error text as detail; context errors are
// reclassified by runStage.
type stageBody func(ctx context.Context) (stageVerdict, error)

// runStage executes one stage under its budget and classifies the
// result. Cancellation of the run context outranks the deadline, the
// deadline outranks the body's own error.
func (gt *Gate) runStage(runCtx context.Context, stage codegraph.Stage, budget time.Duration, body stageBody) (stageVerdict, time.Duration) {
	stageCtx, stageSpan := startStageSpan(runCtx, stage)
	stageCtx, cancel := context.WithTimeout(stageCtx, budget)
	defer cancel()

	start := time.Now()
	verdict, err := runStageBody(stageCtx, body)
	took := time.Since(start)

	switch {
	case runCtx.Err() != nil:
		verdict = stageVerdict{outcome: codegraph.OutcomeCancelled, detail: "run cancelled"}
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		verdict = stageVerdict{
			outcome: codegraph.OutcomeTimeout,
			detail:  fmt.Sprintf("stage exceeded %s budget", budget),
		}
	case err != nil:
		verdict = stageVerdict{outcome: codegraph.OutcomeFail, detail: err.Error()}
	}

	stageSpan.SetAttributes(attribute.String("gate.outcome", verdict.outcome.String()))
	if err != nil {
		stageSpan.RecordError(err)
	}
	stageSpan.End()

	return verdict, took
}

// runStageBody invokes the body with panic containment. A panicking
// runner fails its stage instead of taking down the gate.
func runStageBody(ctx context.Context, body stageBody) (verdict stageVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage runner panicked: %v", r)
		}
	}()
	return body(ctx)
}

// runTests selects and executes the tests within the candidate's blast
// radius.
func (gt *Gate) runTests(ctx context.Context, id isg.NodeID, overlay *Overlay) (stageVerdict, error) {
	snapID, err := gt.store.CurrentSnapshotID(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoCurrentSnapshot) {
			return stageVerdict{
				outcome: codegraph.OutcomeSkipped,
				detail:  "no committed snapshot to select tests from",
			}, nil
		}
		return stageVerdict{}, err
	}

	radius, err := BlastRadius(ctx, gt.store, snapID, []isg.NodeID{id}, gt.config.BlastHops)
	if err != nil {
		return stageVerdict{}, err
	}
	tests, err := RelevantTests(ctx, gt.store, snapID, radius, gt.config.BlastHops)
	if err != nil {
		return stageVerdict{}, err
	}
	recordTestsSelectedMetrics(ctx, len(tests))

	if len(tests) == 0 {
		return stageVerdict{outcome: codegraph.OutcomeSkipped, detail: "no relevant tests within radius"}, nil
	}

	report, err := gt.tester.Run(ctx, overlay, tests)
	if err != nil {
		return stageVerdict{}, err
	}
	if len(report.Failed) > 0 {
		return stageVerdict{
			outcome:     codegraph.OutcomeFail,
			detail:      "failed tests: " + strings.Join(report.Failed, ", "),
			diagnostics: len(report.Failed),
		}, nil
	}
	return stageVerdict{
		outcome: codegraph.OutcomePass,
		detail:  fmt.Sprintf("%d tests passed", report.Ran),
	}, nil
}

// recordStage persists one stage result and feeds the sink. Recording
// runs on an uncancellable context so a computed verdict survives the
// cancellation that produced it. A vanished run means supersession and
// maps to ErrCancelled.
func (gt *Gate) recordStage(ctx context.Context, id isg.NodeID, runID string, stage codegraph.Stage, verdict stageVerdict, took time.Duration) error {
	recCtx := context.WithoutCancel(ctx)
	if err := gt.rows.RecordValidationResult(recCtx, id, stage, verdict.outcome, verdict.detail, took); err != nil {
		if errors.Is(err, codegraph.ErrNoValidation) || errors.Is(err, codegraph.ErrStaleCandidate) {
			return fmt.Errorf("%w: %s", ErrCancelled, err)
		}
		return err
	}
	if gt.sink != nil {
		gt.sink.RecordStage(recCtx, id, runID, stage, verdict.outcome, verdict.diagnostics, took)
	}
	return nil
}

// runByID loads one run from the row's audit trail.
func (gt *Gate) runByID(ctx context.Context, id isg.NodeID, runID string) (*codegraph.ValidationRun, error) {
	runs, err := gt.rows.Runs(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == runID {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: run %s", codegraph.ErrNoValidation, runID)
}

// errorDiagnostics filters for the findings that fail the stage.
func errorDiagnostics(diags []Diagnostic) []Diagnostic {
	var hard []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			hard = append(hard, d)
		}
	}
	return hard
}

// formatDiagnostics renders findings one per line for the audit trail.
func formatDiagnostics(diags []Diagnostic) string {
	var b strings.Builder
	for i, d := range diags {
		if i > 0 {
			b.WriteByte('\n')
		}
		if d.Line > 0 {
			fmt.Fprintf(&b, "%s:%d: %s", d.Path, d.Line, d.Message)
		} else {
			fmt.Fprintf(&b, "%s: %s", d.Path, d.Message)
		}
	}
	return b.String()
}
