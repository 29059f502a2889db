// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codegraph is the temporal code store: one row per interface
// node holding the code that is and, while a change is in flight, the
// code that wants to be.
//
// # Description
//
// This is the single write surface for code content. Five operations
// drive a per-row state machine (SetFuture, BeginValidation,
// RecordValidationResult, Apply, ClearFuture); everything else reads.
// The graph snapshots never change through this package, and nothing
// outside the five operations changes a row's code fields.
//
// Every operation validates the candidate invariant — future code
// attached exactly when a future action is set — before persisting,
// and rejects violations instead of repairing them.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Operations serialize per
// row; distinct rows proceed in parallel. Multi-row promotion locks
// rows in ascending id order and is the only multi-lock path.
package codegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// Graph is the temporal code store.
type Graph struct {
	db     *store.DB
	config Config
	logger *slog.Logger
	tracer *Tracer
	bus    *events.Bus

	// mu guards the lock and live registries, never row content.
	mu    sync.Mutex
	locks map[isg.NodeID]*sync.Mutex
	live  map[isg.NodeID]*liveRun
}

// Option adjusts graph construction.
type Option func(*Graph)

// WithBus publishes row state transitions to the given bus.
func WithBus(bus *events.Bus) Option {
	return func(g *Graph) {
		g.bus = bus
	}
}

// liveRun tracks an in-flight validation so supersession and abort can
// cancel it.
type liveRun struct {
	runID       string
	candidateID string
	cancel      context.CancelFunc
}

// New creates a code graph over a shared database.
//
// # Inputs
//
//   - db: The store's database. The graph does not own it; closing is
//     the owner's concern.
//   - config: Tuning. Zero fields take defaults.
//   - logger: Structured logger. nil falls back to slog.Default.
//   - opts: Optional wiring such as WithBus.
//
// # Outputs
//
//   - *Graph: Ready to use.
//   - error: Non-nil when db is nil.
func New(db *store.DB, config Config, logger *slog.Logger, opts ...Option) (*Graph, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "codegraph.Graph"))

	SetMetricsEnabled(config.MetricsEnabled)

	g := &Graph{
		db:     db,
		config: config,
		logger: logger,
		tracer: NewTracer(logger, config.TracingEnabled),
		locks:  make(map[isg.NodeID]*sync.Mutex),
		live:   make(map[isg.NodeID]*liveRun),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// publishTransition emits one row transition to the bus, when wired.
// Delivery is best effort; a full subscriber drops, the write stands.
func (g *Graph) publishTransition(id isg.NodeID, from, to RowState, reason string) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(events.New(events.TypeRowTransition, events.RowTransitionData{
		NodeID: id,
		From:   from.String(),
		To:     to.String(),
		Reason: reason,
	}))
}

// rowLock returns the mutex for one row, creating it on first use.
// Locks are never removed; the registry is bounded by the node count.
func (g *Graph) rowLock(id isg.NodeID) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

// SetFuture attaches a candidate to a row, entering Proposed.
//
// # Description
//
// Allowed from Clean, Proposed, ReadyToApply, and ValidationFailed; a
// call while the row is Validating cancels the in-flight validation
// and supersedes it — at most one live candidate per row at any time.
// A blocked row rejects proposals until ClearFuture. Attempts carry
// across proposals so a flapping candidate line still blocks.
//
// ActionDelete ignores the code argument and attaches the empty
// string. ActionCreate on an id the graph does not know yet requires
// WithFile naming the target.
//
// # Outputs
//
//   - error: ErrRowBlocked, ErrRowNotFound (edit/delete on unknown
//     id), ErrNoTargetFile, ErrInvalidTransition, or a storage error.
func (g *Graph) SetFuture(ctx context.Context, id isg.NodeID, code string, action FutureAction, opts ...ProposeOption) (err error) {
	ctx, span := g.tracer.StartSetFuture(ctx, id, action)
	defer func() { g.tracer.EndSetFuture(span, err) }()
	defer func() { recordOp(ctx, "set_future", err == nil) }()

	if action == ActionNone || !action.Valid() {
		return fmt.Errorf("%w: action %s (use ClearFuture to detach)", ErrInvalidRow, action)
	}

	var po proposeOptions
	for _, opt := range opts {
		opt(&po)
	}

	l := g.rowLock(id)
	l.Lock()
	defer l.Unlock()

	row, err := g.loadRow(ctx, id)
	switch {
	case errors.Is(err, ErrRowNotFound):
		if action != ActionCreate {
			return fmt.Errorf("%w: %s (%s needs an existing row)", ErrRowNotFound, id, action)
		}
		if po.filePath == "" {
			return fmt.Errorf("%w: %s", ErrNoTargetFile, id)
		}
		now := time.Now().UnixMilli()
		row = &Row{NodeID: id, FilePath: po.filePath, CreatedAtMilli: now}
	case err != nil:
		return err
	}

	superseded := false
	switch row.State {
	case StateBlocked:
		return fmt.Errorf("%w: %s (%d attempts)", ErrRowBlocked, id, row.Attempts)
	case StateApplied:
		return fmt.Errorf("%w: %s is mid-promotion", ErrInvalidTransition, id)
	case StateValidating:
		g.cancelLive(ctx, id, "superseded by new candidate")
		superseded = true
	}

	if action == ActionDelete {
		code = ""
	}
	if row.FilePath == "" && po.filePath != "" {
		row.FilePath = po.filePath
	}

	prev := row.State
	row.State = StateProposed
	row.Status = StatusPending
	row.FutureCode = &code
	row.FutureAction = action
	row.CandidateID = uuid.New().String()
	row.InCurrentScope = action != ActionCreate
	row.InFutureScope = action != ActionDelete
	row.UpdatedAtMilli = time.Now().UnixMilli()
	if row.CreatedAtMilli == 0 {
		row.CreatedAtMilli = row.UpdatedAtMilli
	}

	if err := row.Validate(); err != nil {
		return err
	}
	if err := g.saveRow(ctx, row); err != nil {
		return err
	}

	g.tracer.RecordTransition(ctx, id, prev, StateProposed)
	recordTransition(ctx, prev, StateProposed)
	reason := ""
	if superseded {
		reason = "superseded by new candidate"
	}
	g.publishTransition(id, prev, StateProposed, reason)
	return nil
}

// BeginValidation moves a proposed row into Validating and opens a
// validation run.
//
// # Description
//
// Returns the opened run and a context derived from ctx that dies when
// the candidate is superseded or cleared. The gate must run every
// stage under that context. At most one validation is live per row;
// the Proposed → Validating guard enforces it.
//
// # Outputs
//
//   - *ValidationRun: The opened audit record.
//   - context.Context: Cancelled on supersession, ClearFuture, or
//     parent cancellation.
//   - error: ErrRowNotFound, ErrInvalidTransition, or a storage error.
func (g *Graph) BeginValidation(ctx context.Context, id isg.NodeID) (run *ValidationRun, runCtx context.Context, err error) {
	ctx, span := g.tracer.StartBeginValidation(ctx, id)
	defer func() { g.tracer.EndBeginValidation(span, run, err) }()
	defer func() { recordOp(ctx, "begin_validation", err == nil) }()

	l := g.rowLock(id)
	l.Lock()
	defer l.Unlock()

	row, err := g.loadRow(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if row.State != StateProposed {
		return nil, nil, fmt.Errorf("%w: begin_validation from %s", ErrInvalidTransition, row.State)
	}

	run = &ValidationRun{
		ID:             uuid.New().String(),
		NodeID:         id,
		CandidateID:    row.CandidateID,
		StartedAtMilli: time.Now().UnixMilli(),
	}

	row.State = StateValidating
	row.UpdatedAtMilli = run.StartedAtMilli

	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, rowKey(id), row); err != nil {
			return err
		}
		return setJSON(txn, runKey(id, run.ID), run)
	})
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.live[id] = &liveRun{runID: run.ID, candidateID: row.CandidateID, cancel: cancel}
	g.mu.Unlock()

	g.tracer.RecordTransition(ctx, id, StateProposed, StateValidating)
	recordTransition(ctx, StateProposed, StateValidating)
	g.publishTransition(id, StateProposed, StateValidating, "")
	incLiveValidations(ctx)
	return run, runCtx, nil
}

// RecordValidationResult appends one stage result to the live run and
// advances the row.
//
// # Description
//
// Pass and skip results checkpoint progress; the run concludes on the
// tests stage, moving the row to ReadyToApply with StatusTestsOk (or
// StatusBuildOk when the test stage was skipped). Fail and timeout
// conclude immediately: the attempt counter grows and the row lands in
// ValidationFailed, or Blocked once the attempt bound is reached. A
// cancelled result concludes the run and returns the row to Proposed
// with the candidate intact — cancellation is not an attempt.
//
// Results for a superseded candidate return ErrStaleCandidate and
// change nothing.
func (g *Graph) RecordValidationResult(ctx context.Context, id isg.NodeID, stage Stage, outcome Outcome, detail string, took time.Duration) (err error) {
	ctx, span := g.tracer.StartRecordResult(ctx, id, stage, outcome)
	defer func() { g.tracer.EndRecordResult(span, err) }()
	defer func() { recordOp(ctx, "record_validation_result", err == nil) }()

	if !stage.Valid() {
		return fmt.Errorf("%w: stage %d outside closed set", ErrInvalidRow, stage)
	}
	if !outcome.Valid() {
		return fmt.Errorf("%w: outcome %d outside closed set", ErrInvalidRow, outcome)
	}

	l := g.rowLock(id)
	l.Lock()
	defer l.Unlock()

	row, err := g.loadRow(ctx, id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	lr, ok := g.live[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoValidation, id)
	}
	if row.State != StateValidating || row.CandidateID != lr.candidateID {
		return fmt.Errorf("%w: %s", ErrStaleCandidate, id)
	}

	run, err := g.loadRun(ctx, id, lr.runID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	run.Stages = append(run.Stages, StageResult{
		Stage:           stage,
		Outcome:         outcome,
		Detail:          detail,
		DurationMilli:   took.Milliseconds(),
		RecordedAtMilli: now,
	})

	prev := row.State
	final := true

	switch outcome {
	case OutcomePass, OutcomeSkipped:
		switch stage {
		case StageOverlay:
			row.Status = StatusOverlayOk
			final = false
		case StageBuild:
			row.Status = StatusBuildOk
			final = false
		case StageTests:
			if outcome == OutcomePass {
				row.Status = StatusTestsOk
			}
			// A skipped test stage leaves StatusBuildOk as the
			// concluding status.
			row.State = StateReadyToApply
			run.Final = OutcomePass
		}
	case OutcomeFail, OutcomeTimeout:
		row.Status = StatusFailed
		row.Attempts++
		if row.Attempts >= g.config.MaxAttempts {
			row.State = StateBlocked
		} else {
			row.State = StateValidationFailed
		}
		run.Final = outcome
	case OutcomeCancelled:
		row.Status = StatusPending
		row.State = StateProposed
		run.Final = OutcomeCancelled
	}

	if final {
		run.FinishedAtMilli = now
	}
	row.UpdatedAtMilli = now

	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, rowKey(id), row); err != nil {
			return err
		}
		return setJSON(txn, runKey(id, run.ID), run)
	})
	if err != nil {
		return err
	}

	if final {
		g.releaseLive(id)
		decLiveValidations(ctx)
		g.tracer.RecordTransition(ctx, id, prev, row.State)
		recordTransition(ctx, prev, row.State)
		reason := ""
		switch {
		case row.State == StateBlocked:
			reason = fmt.Sprintf("blocked after %d attempts", row.Attempts)
		case outcome == OutcomeCancelled:
			reason = detail
		}
		g.publishTransition(id, prev, row.State, reason)
		if row.State == StateBlocked {
			recordBlocked(ctx)
			g.logger.Warn("row blocked",
				slog.String("node_id", string(id)),
				slog.Int("attempts", row.Attempts))
		}
	}
	recordStageResult(ctx, stage, outcome, took)
	return nil
}

// IssueApproval binds a fresh token to an exact set of ready rows.
//
// # Outputs
//
//   - string: The bearer token. Single use; consumed by Apply.
//   - error: ErrRowNotFound or ErrInvalidTransition when any id is not
//     ReadyToApply.
func (g *Graph) IssueApproval(ctx context.Context, ids []isg.NodeID) (token string, err error) {
	defer func() { recordOp(ctx, "issue_approval", err == nil) }()

	if len(ids) == 0 {
		return "", fmt.Errorf("%w: empty id set", ErrInvalidRow)
	}
	sorted, err := sortedUnique(ids)
	if err != nil {
		return "", err
	}

	for _, id := range sorted {
		row, err := g.loadRow(ctx, id)
		if err != nil {
			return "", err
		}
		if row.State != StateReadyToApply {
			return "", fmt.Errorf("%w: %s is %s, not ready_to_apply", ErrInvalidTransition, id, row.State)
		}
	}

	now := time.Now()
	apv := &Approval{
		Token:          uuid.New().String(),
		NodeIDs:        sorted,
		IssuedAtMilli:  now.UnixMilli(),
		ExpiresAtMilli: now.Add(g.config.ApprovalTTL).UnixMilli(),
	}
	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, apvKey(apv.Token), apv)
	})
	if err != nil {
		return "", err
	}

	g.logger.Info("approval issued",
		slog.Int("rows", len(sorted)),
		slog.Time("expires", now.Add(g.config.ApprovalTTL)))
	return apv.Token, nil
}

// LookupApproval returns an unconsumed approval by token without
// spending it. The apply controller uses this to learn which rows a
// token covers before committing to the promotion.
func (g *Graph) LookupApproval(ctx context.Context, token string) (*Approval, error) {
	if token == "" {
		return nil, ErrApprovalRequired
	}
	apv, err := g.loadApproval(ctx, token)
	if err != nil {
		return nil, err
	}
	if apv.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: issued %s", ErrTokenExpired,
			time.UnixMilli(apv.IssuedAtMilli).Format(time.RFC3339))
	}
	return apv, nil
}

// Apply promotes a single row's candidate. See ApplySet.
func (g *Graph) Apply(ctx context.Context, id isg.NodeID, commitID, token string) error {
	_, err := g.ApplySet(ctx, []isg.NodeID{id}, commitID, token)
	return err
}

// ApplySet promotes every row in the set as one atomic unit.
//
// # Description
//
// Verifies the token covers exactly the id set and every row is
// ReadyToApply, then locks the rows in ascending id order and promotes
// FutureCode to CurrentCode for all of them in a single database
// transaction — no partial promotion is observable. The token is
// consumed. Rows land in Applied; MarkClean returns them to Clean
// after the post-apply rebuild.
//
// # Outputs
//
//   - map[isg.NodeID]string: Pre-promotion CurrentCode per row, the
//     revert baseline.
//   - error: ErrApprovalRequired, ErrTokenExpired, ErrTokenMismatch,
//     ErrInvalidTransition, or a storage error.
func (g *Graph) ApplySet(ctx context.Context, ids []isg.NodeID, commitID, token string) (pre map[isg.NodeID]string, err error) {
	ctx, span := g.tracer.StartApply(ctx, ids, commitID)
	defer func() { g.tracer.EndApply(span, len(pre), err) }()
	defer func() { recordOp(ctx, "apply", err == nil) }()

	if token == "" {
		return nil, ErrApprovalRequired
	}
	sorted, err := sortedUnique(ids)
	if err != nil {
		return nil, err
	}

	apv, err := g.loadApproval(ctx, token)
	if err != nil {
		return nil, err
	}
	if apv.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: issued %s", ErrTokenExpired,
			time.UnixMilli(apv.IssuedAtMilli).Format(time.RFC3339))
	}
	if !apv.Covers(sorted) {
		return nil, fmt.Errorf("%w: token covers %d rows, apply names %d",
			ErrTokenMismatch, len(apv.NodeIDs), len(sorted))
	}

	// Ascending lock order keeps concurrent overlapping promotions
	// deadlock-free.
	for _, id := range sorted {
		l := g.rowLock(id)
		l.Lock()
		defer l.Unlock()
	}

	rows := make([]*Row, 0, len(sorted))
	for _, id := range sorted {
		row, err := g.loadRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if row.State != StateReadyToApply {
			return nil, fmt.Errorf("%w: %s is %s, not ready_to_apply", ErrInvalidTransition, id, row.State)
		}
		if err := row.Validate(); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	now := time.Now().UnixMilli()
	pre = make(map[isg.NodeID]string, len(rows))
	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, row := range rows {
			pre[row.NodeID] = row.CurrentCode
			row.CurrentCode = *row.FutureCode
			row.FutureCode = nil
			row.FutureAction = ActionNone
			row.CandidateID = ""
			row.CommitID = commitID
			row.Attempts = 0
			row.State = StateApplied
			row.UpdatedAtMilli = now
			if err := setJSON(txn, rowKey(row.NodeID), row); err != nil {
				return err
			}
		}
		// Tokens are single use.
		return txn.Delete(apvKey(token))
	})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		g.tracer.RecordTransition(ctx, row.NodeID, StateReadyToApply, StateApplied)
		recordTransition(ctx, StateReadyToApply, StateApplied)
		g.publishTransition(row.NodeID, StateReadyToApply, StateApplied, "")
	}
	g.logger.Info("candidate set promoted",
		slog.Int("rows", len(rows)),
		slog.String("commit", commitID))
	return pre, nil
}

// RevertSet restores pre-promotion code on every row in the map as one
// atomic unit.
//
// # Description
//
// The only CurrentCode mutation path outside approval: the apply
// controller calls it when post-promotion re-verification fails.
// Reverted rows land in Clean with StatusFailed so the failure stays
// visible until the next proposal.
func (g *Graph) RevertSet(ctx context.Context, pre map[isg.NodeID]string, commitID string) (err error) {
	ctx, span := g.tracer.StartRevert(ctx, len(pre), commitID)
	defer func() { g.tracer.EndRevert(span, err) }()
	defer func() { recordOp(ctx, "revert", err == nil) }()

	ids := make([]isg.NodeID, 0, len(pre))
	for id := range pre {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		l := g.rowLock(id)
		l.Lock()
		defer l.Unlock()
	}

	now := time.Now().UnixMilli()
	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			row, err := getJSONRow(txn, id)
			if err != nil {
				return err
			}
			row.CurrentCode = pre[id]
			row.FutureCode = nil
			row.FutureAction = ActionNone
			row.CandidateID = ""
			row.State = StateClean
			row.Status = StatusFailed
			row.CommitID = commitID
			row.UpdatedAtMilli = now
			if err := setJSON(txn, rowKey(id), row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.logger.Warn("candidate set reverted",
		slog.Int("rows", len(ids)),
		slog.String("commit", commitID))
	return nil
}

// MarkClean returns applied rows to Clean once the post-apply rebuild
// has landed. Rows in any other state are left alone.
func (g *Graph) MarkClean(ctx context.Context, ids []isg.NodeID) error {
	sorted, err := sortedUnique(ids)
	if err != nil {
		return err
	}
	for _, id := range sorted {
		l := g.rowLock(id)
		l.Lock()
		defer l.Unlock()
	}

	now := time.Now().UnixMilli()
	var cleaned []isg.NodeID
	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		cleaned = cleaned[:0]
		for _, id := range sorted {
			row, err := getJSONRow(txn, id)
			if err != nil {
				if errors.Is(err, ErrRowNotFound) {
					continue
				}
				return err
			}
			if row.State != StateApplied {
				continue
			}
			row.State = StateClean
			row.Status = StatusPending
			row.UpdatedAtMilli = now
			if err := setJSON(txn, rowKey(id), row); err != nil {
				return err
			}
			recordTransition(ctx, StateApplied, StateClean)
			cleaned = append(cleaned, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range cleaned {
		g.publishTransition(id, StateApplied, StateClean, "")
	}
	return nil
}

// ClearFuture detaches the candidate and returns the row to Clean from
// any state.
//
// # Description
//
// The explicit abort and the only way out of Blocked. Cancels a live
// validation, clears the candidate fields, and resets the attempt
// counter. CurrentCode is untouched.
func (g *Graph) ClearFuture(ctx context.Context, id isg.NodeID) (err error) {
	ctx, span := g.tracer.StartClearFuture(ctx, id)
	defer func() { g.tracer.EndClearFuture(span, err) }()
	defer func() { recordOp(ctx, "clear_future", err == nil) }()

	l := g.rowLock(id)
	l.Lock()
	defer l.Unlock()

	row, err := g.loadRow(ctx, id)
	if err != nil {
		return err
	}

	if row.State == StateValidating {
		g.cancelLive(ctx, id, "candidate cleared")
	}

	prev := row.State
	row.State = StateClean
	row.Status = StatusPending
	row.FutureCode = nil
	row.FutureAction = ActionNone
	row.CandidateID = ""
	row.Attempts = 0
	row.InCurrentScope = false
	row.InFutureScope = false
	row.UpdatedAtMilli = time.Now().UnixMilli()

	if err := g.saveRow(ctx, row); err != nil {
		return err
	}
	g.tracer.RecordTransition(ctx, id, prev, StateClean)
	recordTransition(ctx, prev, StateClean)
	g.publishTransition(id, prev, StateClean, "")
	return nil
}

// Row returns one row by node id.
func (g *Graph) Row(ctx context.Context, id isg.NodeID) (*Row, error) {
	return g.loadRow(ctx, id)
}

// Rows lists rows passing the filter, sorted by node id. A nil filter
// lists everything.
func (g *Graph) Rows(ctx context.Context, filter *RowFilter) ([]Row, error) {
	if filter == nil {
		filter = &RowFilter{}
	}
	var rows []Row
	err := g.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(rowKeyPrefix); it.ValidForPrefix(rowKeyPrefix); it.Next() {
			var row Row
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode row: %w", err)
			}
			if filter.matches(&row) {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].NodeID < rows[j].NodeID })
	return rows, nil
}

// Runs returns the validation history of one row, oldest first.
func (g *Graph) Runs(ctx context.Context, id isg.NodeID) ([]ValidationRun, error) {
	var runs []ValidationRun
	prefix := runPrefix(id)
	err := g.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run ValidationRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAtMilli != runs[j].StartedAtMilli {
			return runs[i].StartedAtMilli < runs[j].StartedAtMilli
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// SyncStats summarizes one Sync pass.
type SyncStats struct {
	Created   int `json:"created"`
	Refreshed int `json:"refreshed"`
	Deleted   int `json:"deleted"`
	Kept      int `json:"kept"`
}

// Sync reconciles the row table against a committed snapshot's nodes.
//
// # Description
//
// Run after every rebuild. Nodes without a row get a fresh clean row;
// clean and applied rows get their code slice, file path, and span
// refreshed from the workspace; rows carrying a live candidate are
// left untouched so the validation baseline stays stable. Clean rows
// whose node vanished from the snapshot are deleted — rows mid-change
// are kept and surface through Rows until cleared.
//
// # Inputs
//
//   - root: Workspace root the node spans index into.
//   - nodes: The snapshot's full node set.
func (g *Graph) Sync(ctx context.Context, root string, nodes []isg.InterfaceNode) (*SyncStats, error) {
	ctx, span := g.tracer.StartSync(ctx, len(nodes))
	stats := &SyncStats{}
	var err error
	defer func() { g.tracer.EndSync(span, stats, err) }()

	want := make(map[isg.NodeID]*isg.InterfaceNode, len(nodes))
	for i := range nodes {
		want[nodes[i].ID] = &nodes[i]
	}

	existing, err := g.Rows(ctx, nil)
	if err != nil {
		return nil, err
	}
	have := make(map[isg.NodeID]*Row, len(existing))
	for i := range existing {
		have[existing[i].NodeID] = &existing[i]
	}

	// File cache: many nodes share a file.
	files := make(map[string][]byte)
	slice := func(n *isg.InterfaceNode) string {
		if n.EndByte <= n.StartByte {
			return ""
		}
		content, ok := files[n.FilePath]
		if !ok {
			data, rerr := os.ReadFile(filepath.Join(root, filepath.FromSlash(n.FilePath)))
			if rerr != nil {
				data = nil
			}
			files[n.FilePath] = data
			content = data
		}
		if int(n.EndByte) > len(content) {
			return ""
		}
		return string(content[n.StartByte:n.EndByte])
	}

	now := time.Now().UnixMilli()
	err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range sortedNodeIDs(want) {
			n := want[id]
			row, ok := have[id]
			switch {
			case !ok:
				row = &Row{
					NodeID:         id,
					CurrentCode:    slice(n),
					FilePath:       n.FilePath,
					StartByte:      n.StartByte,
					EndByte:        n.EndByte,
					CreatedAtMilli: now,
					UpdatedAtMilli: now,
				}
				stats.Created++
			case row.State == StateClean || row.State == StateApplied:
				row.CurrentCode = slice(n)
				row.FilePath = n.FilePath
				row.StartByte = n.StartByte
				row.EndByte = n.EndByte
				row.UpdatedAtMilli = now
				stats.Refreshed++
			default:
				stats.Kept++
				continue
			}
			if err := setJSON(txn, rowKey(id), row); err != nil {
				return err
			}
		}

		for id, row := range have {
			if _, ok := want[id]; ok {
				continue
			}
			if row.State != StateClean {
				stats.Kept++
				continue
			}
			if err := txn.Delete(rowKey(id)); err != nil {
				return err
			}
			stats.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("row table synced",
		slog.Int("created", stats.Created),
		slog.Int("refreshed", stats.Refreshed),
		slog.Int("deleted", stats.Deleted),
		slog.Int("kept", stats.Kept))
	return stats, nil
}

// cancelLive finalizes the live run for a row as cancelled and fires
// its cancel func. Caller holds the row lock.
func (g *Graph) cancelLive(ctx context.Context, id isg.NodeID, reason string) {
	g.mu.Lock()
	lr, ok := g.live[id]
	delete(g.live, id)
	g.mu.Unlock()
	if !ok {
		return
	}

	lr.cancel()
	decLiveValidations(ctx)

	run, err := g.loadRun(ctx, id, lr.runID)
	if err != nil {
		g.logger.Warn("cancelled run not found",
			slog.String("node_id", string(id)),
			slog.String("run_id", lr.runID))
		return
	}
	run.Final = OutcomeCancelled
	run.FinishedAtMilli = time.Now().UnixMilli()
	if err := g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, runKey(id, run.ID), run)
	}); err != nil {
		g.logger.Warn("failed to finalize cancelled run",
			slog.String("node_id", string(id)),
			slog.String("error", err.Error()))
		return
	}

	g.logger.Info("validation cancelled",
		slog.String("node_id", string(id)),
		slog.String("run_id", lr.runID),
		slog.String("reason", reason))
}

// releaseLive drops the live registry entry and fires its cancel func
// to release the derived context. Caller holds the row lock.
func (g *Graph) releaseLive(id isg.NodeID) {
	g.mu.Lock()
	lr, ok := g.live[id]
	delete(g.live, id)
	g.mu.Unlock()
	if ok {
		lr.cancel()
	}
}

func (g *Graph) loadRow(ctx context.Context, id isg.NodeID) (*Row, error) {
	var row *Row
	err := g.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		row, err = getJSONRow(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (g *Graph) saveRow(ctx context.Context, row *Row) error {
	return g.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, rowKey(row.NodeID), row)
	})
}

func (g *Graph) loadRun(ctx context.Context, id isg.NodeID, runID string) (*ValidationRun, error) {
	var run ValidationRun
	err := g.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id, runID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: run %s", ErrNoValidation, runID)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (g *Graph) loadApproval(ctx context.Context, token string) (*Approval, error) {
	var apv Approval
	err := g.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(apvKey(token))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: unknown token", ErrApprovalRequired)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &apv)
		})
	})
	if err != nil {
		return nil, err
	}
	return &apv, nil
}

// getJSONRow reads and decodes one row inside an open transaction.
func getJSONRow(txn *badger.Txn, id isg.NodeID) (*Row, error) {
	item, err := txn.Get(rowKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRowNotFound, id)
		}
		return nil, err
	}
	var row Row
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	}); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return &row, nil
}

// setJSON encodes and writes one value inside an open transaction.
func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// sortedUnique sorts a copy of ids ascending and rejects duplicates,
// which would double-lock.
func sortedUnique(ids []isg.NodeID) ([]isg.NodeID, error) {
	sorted := make([]isg.NodeID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidRow, sorted[i])
		}
	}
	return sorted, nil
}

func sortedNodeIDs(m map[isg.NodeID]*isg.InterfaceNode) []isg.NodeID {
	ids := make([]isg.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
