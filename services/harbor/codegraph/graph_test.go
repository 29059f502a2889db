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
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

func newTestGraph(t *testing.T, cfg Config) *Graph {
	t.Helper()
	db, err := store.OpenDB(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(db, cfg, logger)
	require.NoError(t, err)
	return g
}

func testConfig() Config {
	return Config{MaxAttempts: 3, ApprovalTTL: time.Minute}
}

// seedRows writes one file per named function under root and syncs the
// row table against the full node set. Each node's span covers its
// whole file.
func seedRows(t *testing.T, g *Graph, root string, bodies map[string]string) map[string]isg.NodeID {
	t.Helper()
	nodes := make([]isg.InterfaceNode, 0, len(bodies))
	ids := make(map[string]isg.NodeID, len(bodies))
	for name, body := range bodies {
		rel := "pkg/" + strings.ToLower(name) + ".go"
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))

		n := isg.InterfaceNode{
			ID:        isg.NewNodeID(isg.KindFunction, rel, "", name),
			Kind:      isg.KindFunction,
			Name:      name,
			FilePath:  rel,
			StartByte: 0,
			EndByte:   uint32(len(body)),
		}
		nodes = append(nodes, n)
		ids[name] = n.ID
	}
	_, err := g.Sync(context.Background(), root, nodes)
	require.NoError(t, err)
	return ids
}

// driveReady pushes a row through propose and a fully passing
// validation.
func driveReady(t *testing.T, g *Graph, id isg.NodeID, future string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.SetFuture(ctx, id, future, ActionEdit))
	_, _, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)
	require.NoError(t, g.RecordValidationResult(ctx, id, StageOverlay, OutcomePass, "", time.Millisecond))
	require.NoError(t, g.RecordValidationResult(ctx, id, StageBuild, OutcomePass, "", time.Millisecond))
	require.NoError(t, g.RecordValidationResult(ctx, id, StageTests, OutcomePass, "", time.Millisecond))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testConfig(), nil)
	require.Error(t, err)
}

func TestGraph_SyncCreatesRows(t *testing.T) {
	g := newTestGraph(t, testConfig())
	root := t.TempDir()

	ids := seedRows(t, g, root, map[string]string{
		"Serve": "func Serve() {}\n",
		"Close": "func Close() error { return nil }\n",
	})

	row, err := g.Row(context.Background(), ids["Serve"])
	require.NoError(t, err)
	assert.Equal(t, StateClean, row.State)
	assert.Equal(t, "func Serve() {}\n", row.CurrentCode)
	assert.Equal(t, "pkg/serve.go", row.FilePath)
	assert.False(t, row.HasCandidate())

	rows, err := g.Rows(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestGraph_SyncRefreshAndDelete(t *testing.T) {
	g := newTestGraph(t, testConfig())
	root := t.TempDir()
	ctx := context.Background()

	ids := seedRows(t, g, root, map[string]string{
		"Serve": "func Serve() {}\n",
		"Close": "func Close() {}\n",
	})

	// Serve's body changes; Close vanishes from the snapshot.
	body := "func Serve() { log() }\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "serve.go"), []byte(body), 0o644))
	stats, err := g.Sync(ctx, root, []isg.InterfaceNode{{
		ID:        ids["Serve"],
		Kind:      isg.KindFunction,
		Name:      "Serve",
		FilePath:  "pkg/serve.go",
		StartByte: 0,
		EndByte:   uint32(len(body)),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Refreshed)
	assert.Equal(t, 1, stats.Deleted)

	row, err := g.Row(ctx, ids["Serve"])
	require.NoError(t, err)
	assert.Equal(t, body, row.CurrentCode)

	_, err = g.Row(ctx, ids["Close"])
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestGraph_SyncKeepsCandidateRows(t *testing.T) {
	g := newTestGraph(t, testConfig())
	root := t.TempDir()
	ctx := context.Background()

	ids := seedRows(t, g, root, map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]
	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))

	// A re-sync without the node must not delete or refresh a row that
	// carries a live candidate.
	stats, err := g.Sync(ctx, root, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Kept)
	assert.Zero(t, stats.Deleted)

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, row.State)
	assert.Equal(t, "func Serve() {}\n", row.CurrentCode)
}

func TestGraph_SetFuture_EditFlow(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, row.State)
	assert.Equal(t, StatusPending, row.Status)
	require.NotNil(t, row.FutureCode)
	assert.Equal(t, "func Serve() { x() }\n", *row.FutureCode)
	assert.Equal(t, ActionEdit, row.FutureAction)
	assert.NotEmpty(t, row.CandidateID)
	assert.True(t, row.InCurrentScope)
	assert.True(t, row.InFutureScope)
}

func TestGraph_SetFuture_DeleteNormalizesCode(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	// Whatever the caller passes, a delete carries the attached empty
	// string.
	require.NoError(t, g.SetFuture(ctx, id, "ignored", ActionDelete))

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row.FutureCode)
	assert.Empty(t, *row.FutureCode)
	assert.Equal(t, ActionDelete, row.FutureAction)
	assert.True(t, row.InCurrentScope)
	assert.False(t, row.InFutureScope)
}

func TestGraph_SetFuture_CreateNeedsFile(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	id := isg.NewNodeID(isg.KindFunction, "pkg/new.go", "", "Fresh")

	err := g.SetFuture(ctx, id, "func Fresh() {}\n", ActionCreate)
	require.ErrorIs(t, err, ErrNoTargetFile)

	require.NoError(t, g.SetFuture(ctx, id, "func Fresh() {}\n", ActionCreate, WithFile("pkg/new.go")))

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, row.State)
	assert.Equal(t, "pkg/new.go", row.FilePath)
	assert.Empty(t, row.CurrentCode)
	assert.False(t, row.InCurrentScope)
	assert.True(t, row.InFutureScope)
}

func TestGraph_SetFuture_UnknownRow(t *testing.T) {
	g := newTestGraph(t, testConfig())
	id := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "Ghost")

	err := g.SetFuture(context.Background(), id, "x", ActionEdit)
	require.ErrorIs(t, err, ErrRowNotFound)

	err = g.SetFuture(context.Background(), id, "", ActionDelete)
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestGraph_SetFuture_RejectsNone(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})

	err := g.SetFuture(context.Background(), ids["Serve"], "x", ActionNone)
	require.ErrorIs(t, err, ErrInvalidRow)
}

func TestGraph_ValidationLifecycle_Pass(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))

	run, runCtx, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.NoError(t, runCtx.Err())

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateValidating, row.State)

	require.NoError(t, g.RecordValidationResult(ctx, id, StageOverlay, OutcomePass, "", 2*time.Millisecond))
	row, _ = g.Row(ctx, id)
	assert.Equal(t, StatusOverlayOk, row.Status)
	assert.Equal(t, StateValidating, row.State)

	require.NoError(t, g.RecordValidationResult(ctx, id, StageBuild, OutcomePass, "", 2*time.Millisecond))
	row, _ = g.Row(ctx, id)
	assert.Equal(t, StatusBuildOk, row.Status)

	require.NoError(t, g.RecordValidationResult(ctx, id, StageTests, OutcomePass, "3 passed", 2*time.Millisecond))
	row, _ = g.Row(ctx, id)
	assert.Equal(t, StateReadyToApply, row.State)
	assert.Equal(t, StatusTestsOk, row.Status)
	assert.Zero(t, row.Attempts)

	runs, err := g.Runs(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, OutcomePass, runs[0].Final)
	assert.True(t, runs[0].Finished())
	assert.Len(t, runs[0].Stages, 3)
}

func TestGraph_ValidationLifecycle_SkippedTests(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))
	_, _, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)
	require.NoError(t, g.RecordValidationResult(ctx, id, StageOverlay, OutcomePass, "", time.Millisecond))
	require.NoError(t, g.RecordValidationResult(ctx, id, StageBuild, OutcomePass, "", time.Millisecond))
	require.NoError(t, g.RecordValidationResult(ctx, id, StageTests, OutcomeSkipped, "no relevant tests", 0))

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateReadyToApply, row.State)
	// Skipped tests leave the build stage as the last earned status.
	assert.Equal(t, StatusBuildOk, row.Status)
}

func TestGraph_ValidationLifecycle_FailureAndBlock(t *testing.T) {
	g := newTestGraph(t, Config{MaxAttempts: 2, ApprovalTTL: time.Minute})
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	fail := func() {
		require.NoError(t, g.SetFuture(ctx, id, "func Serve() { broken\n", ActionEdit))
		_, _, err := g.BeginValidation(ctx, id)
		require.NoError(t, err)
		require.NoError(t, g.RecordValidationResult(ctx, id, StageBuild, OutcomeFail, "syntax error", time.Millisecond))
	}

	fail()
	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateValidationFailed, row.State)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)

	fail()
	row, err = g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, row.State)
	assert.Equal(t, 2, row.Attempts)

	// Blocked rows reject proposals until an explicit clear.
	err = g.SetFuture(ctx, id, "func Serve() {}\n", ActionEdit)
	require.ErrorIs(t, err, ErrRowBlocked)

	require.NoError(t, g.ClearFuture(ctx, id))
	row, err = g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateClean, row.State)
	assert.Zero(t, row.Attempts)
	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { y() }\n", ActionEdit))
}

func TestGraph_ValidationLifecycle_TimeoutCountsAttempt(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))
	_, _, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)
	require.NoError(t, g.RecordValidationResult(ctx, id, StageTests, OutcomeTimeout, "budget 30s", 30*time.Second))

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateValidationFailed, row.State)
	assert.Equal(t, 1, row.Attempts)

	runs, err := g.Runs(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeTimeout, runs[0].Final)
}

func TestGraph_BeginValidation_RequiresProposed(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})

	_, _, err := g.BeginValidation(context.Background(), ids["Serve"])
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGraph_Supersession(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { v1() }\n", ActionEdit))
	first, runCtx, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	firstCandidate := row.CandidateID

	// A new proposal mid-validation cancels the live run and replaces
	// the candidate.
	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { v2() }\n", ActionEdit))

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("superseded validation context not cancelled")
	}

	row, err = g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, row.State)
	assert.NotEqual(t, firstCandidate, row.CandidateID)
	assert.Equal(t, "func Serve() { v2() }\n", *row.FutureCode)
	assert.Zero(t, row.Attempts, "supersession is not a failed attempt")

	// Results for the dead run are rejected.
	err = g.RecordValidationResult(ctx, id, StageOverlay, OutcomePass, "", time.Millisecond)
	require.ErrorIs(t, err, ErrNoValidation)

	runs, err := g.Runs(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.ID, runs[0].ID)
	assert.Equal(t, OutcomeCancelled, runs[0].Final)
	assert.True(t, runs[0].Finished())
}

func TestGraph_CancelledOutcomeReturnsToProposed(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))
	_, _, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)

	row, _ := g.Row(ctx, id)
	candidate := row.CandidateID

	require.NoError(t, g.RecordValidationResult(ctx, id, StageBuild, OutcomeCancelled, "shutdown", time.Millisecond))

	row, err = g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, row.State)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, candidate, row.CandidateID, "cancellation keeps the candidate")
	assert.Zero(t, row.Attempts)

	runs, err := g.Runs(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeCancelled, runs[0].Final)
}

func TestGraph_ApprovalAndApply(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{
		"Serve": "func Serve() {}\n",
		"Close": "func Close() {}\n",
	})
	a, b := ids["Serve"], ids["Close"]

	driveReady(t, g, a, "func Serve() { v2() }\n")
	driveReady(t, g, b, "func Close() { v2() }\n")

	token, err := g.IssueApproval(ctx, []isg.NodeID{a, b})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	pre, err := g.ApplySet(ctx, []isg.NodeID{a, b}, "commit-1", token)
	require.NoError(t, err)
	assert.Equal(t, "func Serve() {}\n", pre[a])
	assert.Equal(t, "func Close() {}\n", pre[b])

	row, err := g.Row(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, row.State)
	assert.Equal(t, "func Serve() { v2() }\n", row.CurrentCode)
	assert.Nil(t, row.FutureCode)
	assert.Equal(t, ActionNone, row.FutureAction)
	assert.Empty(t, row.CandidateID)
	assert.Equal(t, "commit-1", row.CommitID)

	// Tokens are single use.
	_, err = g.ApplySet(ctx, []isg.NodeID{a, b}, "commit-2", token)
	require.ErrorIs(t, err, ErrApprovalRequired)

	require.NoError(t, g.MarkClean(ctx, []isg.NodeID{a, b}))
	row, err = g.Row(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StateClean, row.State)
	assert.Equal(t, StatusPending, row.Status)
}

func TestGraph_Apply_TokenChecks(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{
		"Serve": "func Serve() {}\n",
		"Close": "func Close() {}\n",
	})
	a, b := ids["Serve"], ids["Close"]
	driveReady(t, g, a, "func Serve() { v2() }\n")
	driveReady(t, g, b, "func Close() { v2() }\n")

	_, err := g.ApplySet(ctx, []isg.NodeID{a}, "c", "")
	require.ErrorIs(t, err, ErrApprovalRequired)

	_, err = g.ApplySet(ctx, []isg.NodeID{a}, "c", "no-such-token")
	require.ErrorIs(t, err, ErrApprovalRequired)

	// The token covers exactly its issued set, no subsets.
	token, err := g.IssueApproval(ctx, []isg.NodeID{a, b})
	require.NoError(t, err)
	_, err = g.ApplySet(ctx, []isg.NodeID{a}, "c", token)
	require.ErrorIs(t, err, ErrTokenMismatch)

	row, err := g.Row(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StateReadyToApply, row.State, "failed apply must not touch rows")
}

func TestGraph_Apply_ExpiredToken(t *testing.T) {
	g := newTestGraph(t, Config{MaxAttempts: 3, ApprovalTTL: time.Millisecond})
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]
	driveReady(t, g, id, "func Serve() { v2() }\n")

	token, err := g.IssueApproval(ctx, []isg.NodeID{id})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = g.ApplySet(ctx, []isg.NodeID{id}, "c", token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestGraph_IssueApproval_RequiresReady(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	_, err := g.IssueApproval(ctx, []isg.NodeID{id})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = g.IssueApproval(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidRow)
}

func TestGraph_RevertSet(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]
	driveReady(t, g, id, "func Serve() { v2() }\n")

	token, err := g.IssueApproval(ctx, []isg.NodeID{id})
	require.NoError(t, err)
	pre, err := g.ApplySet(ctx, []isg.NodeID{id}, "commit-1", token)
	require.NoError(t, err)

	require.NoError(t, g.RevertSet(ctx, pre, "commit-1"))

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateClean, row.State)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, "func Serve() {}\n", row.CurrentCode)
	assert.Nil(t, row.FutureCode)
}

func TestGraph_ClearFuture(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { x() }\n", ActionEdit))
	_, runCtx, err := g.BeginValidation(ctx, id)
	require.NoError(t, err)

	require.NoError(t, g.ClearFuture(ctx, id))

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("cleared validation context not cancelled")
	}

	row, err := g.Row(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateClean, row.State)
	assert.Nil(t, row.FutureCode)
	assert.Equal(t, ActionNone, row.FutureAction)
	assert.Empty(t, row.CandidateID)
	assert.Equal(t, "func Serve() {}\n", row.CurrentCode, "abort never touches current code")
}

func TestGraph_Rows_Filter(t *testing.T) {
	g := newTestGraph(t, testConfig())
	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{
		"Serve": "func Serve() {}\n",
		"Close": "func Close() {}\n",
		"Open":  "func Open() {}\n",
	})
	require.NoError(t, g.SetFuture(ctx, ids["Serve"], "func Serve() { x() }\n", ActionEdit))

	proposed, err := g.Rows(ctx, &RowFilter{States: []RowState{StateProposed}})
	require.NoError(t, err)
	require.Len(t, proposed, 1)
	assert.Equal(t, ids["Serve"], proposed[0].NodeID)

	with := true
	candidates, err := g.Rows(ctx, &RowFilter{HasCandidate: &with})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	byFile, err := g.Rows(ctx, &RowFilter{FilePath: "pkg/open.go"})
	require.NoError(t, err)
	require.Len(t, byFile, 1)
	assert.Equal(t, ids["Open"], byFile[0].NodeID)

	all, err := g.Rows(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Less(t, string(all[i-1].NodeID), string(all[i].NodeID), "rows sorted by id")
	}
}

func TestRow_ValidateInvariant(t *testing.T) {
	id := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "Serve")
	code := "func Serve() {}\n"

	r := &Row{NodeID: id}
	require.NoError(t, r.Validate())

	// Action without code.
	r = &Row{NodeID: id, FutureAction: ActionEdit}
	require.ErrorIs(t, r.Validate(), ErrFutureInvariant)

	// Code without action.
	r = &Row{NodeID: id, FutureCode: &code}
	require.ErrorIs(t, r.Validate(), ErrFutureInvariant)

	// Attached empty string with delete is legal.
	empty := ""
	r = &Row{NodeID: id, State: StateProposed, FutureCode: &empty, FutureAction: ActionDelete}
	require.NoError(t, r.Validate())
}

func TestApproval_Covers(t *testing.T) {
	a := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "A")
	b := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "B")
	c := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "C")

	apv := &Approval{NodeIDs: []isg.NodeID{a, b}}
	assert.True(t, apv.Covers([]isg.NodeID{b, a}), "order free")
	assert.False(t, apv.Covers([]isg.NodeID{a}), "no subsets")
	assert.False(t, apv.Covers([]isg.NodeID{a, b, c}), "no supersets")
	assert.False(t, apv.Covers([]isg.NodeID{a, a}), "duplicates count")
}

func nextTransition(t *testing.T, sub *events.Subscription) events.RowTransitionData {
	t.Helper()
	select {
	case ev := <-sub.Events():
		data, ok := ev.Data.(events.RowTransitionData)
		require.True(t, ok, "unexpected event payload %T", ev.Data)
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no transition event delivered")
		return events.RowTransitionData{}
	}
}

func TestGraph_PublishesTransitions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenDB(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	sub, err := bus.Subscribe(events.WithTypes(events.TypeRowTransition))
	require.NoError(t, err)

	g, err := New(db, testConfig(), logger, WithBus(bus))
	require.NoError(t, err)

	ctx := context.Background()
	ids := seedRows(t, g, t.TempDir(), map[string]string{"Serve": "func Serve() {}\n"})
	id := ids["Serve"]

	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { v1() }\n", ActionEdit))
	data := nextTransition(t, sub)
	assert.Equal(t, id, data.NodeID)
	assert.Equal(t, "clean", data.From)
	assert.Equal(t, "proposed", data.To)
	assert.Empty(t, data.Reason)

	_, _, err = g.BeginValidation(ctx, id)
	require.NoError(t, err)
	data = nextTransition(t, sub)
	assert.Equal(t, "validating", data.To)

	// Supersession mid-validation names its cause.
	require.NoError(t, g.SetFuture(ctx, id, "func Serve() { v2() }\n", ActionEdit))
	data = nextTransition(t, sub)
	assert.Equal(t, "validating", data.From)
	assert.Equal(t, "proposed", data.To)
	assert.Contains(t, data.Reason, "superseded")

	require.NoError(t, g.ClearFuture(ctx, id))
	data = nextTransition(t, sub)
	assert.Equal(t, "clean", data.To)
}

// ExampleParseRowState demonstrates round-tripping row states through
// their wire names.
func ExampleParseRowState() {
	fmt.Println(ParseRowState("ready_to_apply"))
	fmt.Println(ParseRowState("retired"))
	// Output:
	// ready_to_apply
	// unknown
}
