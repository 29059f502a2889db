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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/gate"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// Controller is the promotion orchestrator.
//
// # Thread Safety
//
// Safe for concurrent use. Promotions are serialized; a second
// Promote while one runs returns ErrApplyInProgress.
type Controller struct {
	rows    *codegraph.Graph
	store   *store.GraphStore
	root    string
	rebuild Rebuilder
	runners Runners
	config  Config
	logger  *slog.Logger
	bus     *events.Bus

	busy atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithBus publishes promotion and revert events to the given bus.
func WithBus(bus *events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// New creates a promotion controller.
//
// # Inputs
//
//   - rows: the row table holding states and candidates.
//   - st: the graph store; revert records live beside the snapshots.
//   - root: absolute workspace root the controller writes.
//   - rebuild: refreshes the graph after workspace changes.
//   - runners: re-verification stages; Builder is required.
//   - config: budgets.
//   - logger: structured logger; nil uses the default.
//
// # Outputs
//
//   - *Controller: ready to use.
//   - error: nil dependencies.
func New(rows *codegraph.Graph, st *store.GraphStore, root string, rebuild Rebuilder, runners Runners, config Config, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if rows == nil {
		return nil, fmt.Errorf("apply: nil code graph")
	}
	if st == nil {
		return nil, fmt.Errorf("apply: nil snapshot store")
	}
	if rebuild == nil {
		return nil, ErrMissingRebuilder
	}
	if runners.Builder == nil {
		return nil, fmt.Errorf("%w: build runner", ErrMissingRunner)
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	c := &Controller{
		rows:    rows,
		store:   st,
		root:    root,
		rebuild: rebuild,
		runners: runners,
		config:  config,
		logger:  logger.With(slog.String("component", "apply")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Promote applies the approved candidate set covered by token to the
// workspace.
//
// # Description
//
// The controller resolves the token to its row set, splices the
// candidate code into a file plan, and captures pre-images of every
// touched file. It then promotes the rows (consuming the token),
// writes the files, rebuilds the graph, and re-verifies the workspace
// with the overlay and build stages. If anything after the row
// promotion fails, the files and rows are restored, a revert record
// is persisted, and the call returns ErrReverted with the failure
// inside.
//
// The returned report is non-nil whenever the rows were promoted,
// reverted or not, so callers always learn the commit id.
//
// # Inputs
//
//   - ctx: cancels waiting work. Rollback ignores cancellation; a
//     half-applied workspace is worse than a slow one.
//   - token: an unconsumed approval covering the set.
//
// # Outputs
//
//   - *Report: the promotion outcome; nil when rejected before any
//     row changed.
//   - error: ErrApplyInProgress, approval errors, ErrReverted.
//
// # Thread Safety
//
// Safe for concurrent use; one promotion runs at a time.
func (c *Controller) Promote(ctx context.Context, token string) (rep *Report, err error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrApplyInProgress
	}
	defer c.busy.Store(false)

	start := time.Now()
	ctx, span := startPromoteSpan(ctx)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	apv, err := c.rows.LookupApproval(ctx, token)
	if err != nil {
		recordPromotion(ctx, "rejected", 0, time.Since(start))
		return nil, err
	}
	ids := apv.NodeIDs

	// The promotion clears the candidates, so the file plan and the
	// pre-images must exist before it runs.
	rowSet := make([]*codegraph.Row, 0, len(ids))
	for _, id := range ids {
		row, rerr := c.rows.Row(ctx, id)
		if rerr != nil {
			recordPromotion(ctx, "rejected", 0, time.Since(start))
			return nil, rerr
		}
		rowSet = append(rowSet, row)
	}
	overlay, err := gate.BuildOverlay(c.root, rowSet)
	if err != nil {
		recordPromotion(ctx, "rejected", 0, time.Since(start))
		return nil, err
	}
	files := overlay.Paths()

	backup, err := c.captureBackups(files)
	if err != nil {
		recordPromotion(ctx, "rejected", 0, time.Since(start))
		return nil, err
	}

	commitID := uuid.New().String()
	pre, err := c.rows.ApplySet(ctx, ids, commitID, token)
	if err != nil {
		recordPromotion(ctx, "rejected", 0, time.Since(start))
		return nil, err
	}

	rep = &Report{CommitID: commitID, NodeIDs: ids, Files: files}
	defer func() {
		setPromoteSpanResult(span, commitID, len(ids), len(files), rep.Reverted)
	}()

	if werr := c.writeFiles(overlay); werr != nil {
		return c.revert(ctx, rep, pre, backup, fmt.Sprintf("workspace write: %v", werr), start)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, c.config.VerifyBudget)
	defer cancel()

	snapID, reason := c.verify(verifyCtx)
	if reason != "" {
		return c.revert(ctx, rep, pre, backup, reason, start)
	}
	rep.SnapshotID = snapID

	if cerr := c.rows.MarkClean(ctx, ids); cerr != nil {
		// The commit is verified; rows stuck in Applied are swept by
		// the next sync rather than undone.
		c.logger.Warn("post-promotion sweep failed",
			slog.String("commit", commitID),
			slog.Any("error", cerr))
	}

	rep.Duration = time.Since(start)
	recordPromotion(ctx, "promoted", len(files), rep.Duration)
	c.publish(events.TypePromoted, events.PromotedData{
		CommitID:   commitID,
		NodeIDs:    ids,
		SnapshotID: snapID,
	})
	c.logger.Info("candidate set promoted to workspace",
		slog.Int("rows", len(ids)),
		slog.Int("files", len(files)),
		slog.String("commit", commitID),
		slog.String("snapshot", snapID))
	return rep, nil
}

// captureBackups reads the current content of every planned file. A
// nil entry marks a file that does not exist yet.
func (c *Controller) captureBackups(files []string) (map[string]*string, error) {
	backup := make(map[string]*string, len(files))
	for _, rel := range files {
		abs := filepath.Join(c.root, filepath.FromSlash(rel))
		data, err := os.ReadFile(abs)
		switch {
		case err == nil:
			content := string(data)
			backup[rel] = &content
		case os.IsNotExist(err):
			backup[rel] = nil
		default:
			return nil, fmt.Errorf("read pre-image %s: %w", rel, err)
		}
	}
	return backup, nil
}

// writeFiles writes the spliced plan into the workspace.
func (c *Controller) writeFiles(overlay *gate.Overlay) error {
	for _, rel := range overlay.Paths() {
		abs := filepath.Join(c.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", rel, err)
		}
		if err := os.WriteFile(abs, []byte(overlay.Files[rel]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// verify rebuilds the graph and reruns the overlay and build stages
// against the promoted workspace. An empty reason means the workspace
// holds.
func (c *Controller) verify(ctx context.Context) (snapshotID, reason string) {
	res, err := c.rebuild.Build(ctx)
	if err != nil {
		return "", fmt.Sprintf("graph rebuild: %v", err)
	}
	snapshotID = res.Snapshot.ID

	// No substitutions: the workspace itself is under test now.
	clean := &gate.Overlay{Root: c.root}

	if c.runners.Checker != nil {
		diags, err := c.runners.Checker.Check(ctx, clean)
		if err != nil {
			return snapshotID, fmt.Sprintf("re-check: %v", err)
		}
		for _, d := range diags {
			if d.Severity == gate.SeverityError {
				return snapshotID, fmt.Sprintf("re-check: %s", diagDetail(d))
			}
		}
	}

	bld, err := c.runners.Builder.Build(ctx, clean)
	if err != nil {
		return snapshotID, fmt.Sprintf("re-build: %v", err)
	}
	if !bld.Success {
		return snapshotID, fmt.Sprintf("re-build failed: %s", strings.TrimSpace(bld.Output))
	}
	return snapshotID, ""
}

// revert undoes a promotion whose re-verification failed: workspace
// files first, then rows, then the audit record, then a rebuild so
// the graph matches the restored tree.
//
// Rollback runs on a context that ignores cancellation; once the
// workspace has been written, it is restored even if the caller gave
// up.
func (c *Controller) revert(ctx context.Context, rep *Report, pre map[isg.NodeID]string, backup map[string]*string, reason string, start time.Time) (*Report, error) {
	ctx = context.WithoutCancel(ctx)

	c.logger.Warn("promotion failed re-verification, reverting",
		slog.String("commit", rep.CommitID),
		slog.String("reason", reason))

	if rerr := c.restoreFiles(backup); rerr != nil {
		// Keep going: the row table must still be restored so state
		// and workspace can be reconciled by hand if it comes to that.
		c.logger.Error("workspace restore incomplete",
			slog.String("commit", rep.CommitID),
			slog.Any("error", rerr))
		reason = fmt.Sprintf("%s; restore: %v", reason, rerr)
	}

	if rerr := c.rows.RevertSet(ctx, pre, rep.CommitID); rerr != nil {
		c.logger.Error("row revert failed",
			slog.String("commit", rep.CommitID),
			slog.Any("error", rerr))
		reason = fmt.Sprintf("%s; rows: %v", reason, rerr)
	}

	c.persistRevertRecord(ctx, rep, reason)

	if _, rerr := c.rebuild.Build(ctx); rerr != nil {
		c.logger.Warn("post-revert rebuild failed",
			slog.String("commit", rep.CommitID),
			slog.Any("error", rerr))
	}

	rep.Reverted = true
	rep.Reason = reason
	rep.SnapshotID = ""
	rep.Duration = time.Since(start)
	recordRevert(ctx)
	recordPromotion(ctx, "reverted", len(rep.Files), rep.Duration)
	c.publish(events.TypeReverted, events.RevertedData{
		CommitID: rep.CommitID,
		NodeIDs:  rep.NodeIDs,
		Reason:   reason,
	})
	return rep, fmt.Errorf("%w: %s", ErrReverted, reason)
}

// restoreFiles puts every backed-up file back, removing files that did
// not exist before the promotion. All files are attempted; the first
// failure is returned.
func (c *Controller) restoreFiles(backup map[string]*string) error {
	paths := make([]string, 0, len(backup))
	for rel := range backup {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var firstErr error
	for _, rel := range paths {
		abs := filepath.Join(c.root, filepath.FromSlash(rel))
		var err error
		if prev := backup[rel]; prev == nil {
			err = os.Remove(abs)
			if os.IsNotExist(err) {
				err = nil
			}
		} else {
			err = os.WriteFile(abs, []byte(*prev), 0o644)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	return firstErr
}

// persistRevertRecord writes the rollback audit record. Failure is
// logged, not returned; the revert itself already happened.
func (c *Controller) persistRevertRecord(ctx context.Context, rep *Report, reason string) {
	rec := RevertRecord{
		CommitID: rep.CommitID,
		NodeIDs:  rep.NodeIDs,
		Files:    rep.Files,
		Reason:   reason,
		AtMilli:  time.Now().UnixMilli(),
	}
	err := c.store.DB().WithTxn(ctx, func(txn *badger.Txn) error {
		data, merr := json.Marshal(rec)
		if merr != nil {
			return fmt.Errorf("encode revert record: %w", merr)
		}
		return txn.Set(rvtKey(rec.CommitID), data)
	})
	if err != nil {
		c.logger.Error("revert record not persisted",
			slog.String("commit", rep.CommitID),
			slog.Any("error", err))
	}
}

// Reverts lists the rollback audit records, oldest first.
func (c *Controller) Reverts(ctx context.Context) ([]RevertRecord, error) {
	var recs []RevertRecord
	err := c.store.DB().WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(rvtKeyPrefix); it.ValidForPrefix(rvtKeyPrefix); it.Next() {
			var rec RevertRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode revert record: %w", err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].AtMilli < recs[j].AtMilli })
	return recs, nil
}

// diagDetail formats one diagnostic the way the gate's audit trail
// does.
func diagDetail(d gate.Diagnostic) string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", d.Path, d.Line, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Path, d.Message)
}

func (c *Controller) publish(t events.Type, data any) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(events.New(t, data))
}
