// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// commitTestSnapshot populates and commits a snapshot with the given
// nodes and edges, returning its id.
func commitTestSnapshot(t *testing.T, s *GraphStore, base string, nodes []isg.InterfaceNode, edges []isg.Edge) string {
	t.Helper()
	ctx := context.Background()

	snap, err := s.CreateSnapshot(ctx, base)
	require.NoError(t, err)
	if len(nodes) > 0 {
		require.NoError(t, s.UpsertNodes(ctx, snap, nodes))
	}
	if len(edges) > 0 {
		_, err = s.UpsertEdges(ctx, snap, edges)
		require.NoError(t, err)
	}

	fp, err := s.Fingerprint(ctx, snap)
	require.NoError(t, err)

	st, err := s.Stats(ctx, snap)
	require.NoError(t, err)

	require.NoError(t, s.CommitSnapshot(ctx, isg.Snapshot{
		ID:             snap,
		Fingerprint:    fp,
		CreatedAtMilli: time.Now().UnixMilli(),
		NodeCount:      st.Nodes,
		EdgeCount:      st.Edges,
		OrphanCount:    st.Orphans,
		Incremental:    base != "",
	}))
	return snap
}

func TestGraphStore_CommitSetsCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CurrentSnapshotID(ctx)
	assert.ErrorIs(t, err, ErrNoCurrentSnapshot)

	snap := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)

	current, err := s.CurrentSnapshotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, current)

	got, err := s.GetSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NodeCount)
	assert.NotEmpty(t, got.Fingerprint)
}

func TestGraphStore_SnapshotIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := testNode("Alpha"), testNode("Beta")
	base := commitTestSnapshot(t, s, "", []isg.InterfaceNode{a, b}, []isg.Edge{callsEdge(a, b)})

	// Incremental build on top of base: remove b, which quarantines
	// the edge in the clone only.
	next, err := s.CreateSnapshot(ctx, base)
	require.NoError(t, err)
	require.NoError(t, s.DeleteNodes(ctx, next, []isg.NodeID{b.ID}))

	// Base is untouched: b still there, edge still live.
	got, err := s.GetNode(ctx, base, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Beta", got.Name)

	baseStats, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 2, baseStats.Nodes)
	assert.Equal(t, 1, baseStats.Edges)
	assert.Zero(t, baseStats.Orphans)

	nextStats, err := s.Stats(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 1, nextStats.Nodes)
	assert.Zero(t, nextStats.Edges)
	assert.Equal(t, 1, nextStats.Orphans)
}

func TestGraphStore_CreateSnapshot_UnknownBase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSnapshot(ctx, "no-such-snapshot")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestGraphStore_ListSnapshots_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)
	time.Sleep(5 * time.Millisecond)
	second := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Beta")}, nil)

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, second, snaps[0].ID)
	assert.Equal(t, first, snaps[1].ID)
}

func TestGraphStore_RevertTo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)
	second := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Beta")}, nil)

	current, err := s.CurrentSnapshotID(ctx)
	require.NoError(t, err)
	require.Equal(t, second, current)

	require.NoError(t, s.RevertTo(ctx, first))

	current, err = s.CurrentSnapshotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, current)

	// Reverting to an unknown id fails and leaves the pointer alone.
	err = s.RevertTo(ctx, "no-such-snapshot")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	current, err = s.CurrentSnapshotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, current)
}

func TestGraphStore_DropSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)
	second := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Beta")}, nil)

	// The current snapshot refuses to drop.
	err := s.DropSnapshot(ctx, second)
	assert.ErrorIs(t, err, ErrCurrentSnapshot)

	require.NoError(t, s.DropSnapshot(ctx, first))

	_, err = s.GetSnapshot(ctx, first)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	// Key range is gone too.
	st, err := s.Stats(ctx, first)
	require.NoError(t, err)
	assert.Zero(t, st.Nodes)
}

func TestGraphStore_PruneSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		ids = append(ids, commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode(name)}, nil))
		time.Sleep(2 * time.Millisecond)
	}

	_, err := s.PruneSnapshots(ctx, 0)
	assert.Error(t, err)

	// Keep the two newest; the two oldest go.
	dropped, err := s.PruneSnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, ids[3], snaps[0].ID)
	assert.Equal(t, ids[2], snaps[1].ID)

	// Idempotent once within the window.
	dropped, err = s.PruneSnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestGraphStore_PruneSnapshots_KeepsCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)
	time.Sleep(2 * time.Millisecond)
	commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Beta")}, nil)
	time.Sleep(2 * time.Millisecond)
	commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Gamma")}, nil)

	// Revert to the oldest, then prune to 1. The current pointer
	// target must survive even though it is outside the keep window.
	require.NoError(t, s.RevertTo(ctx, old))

	dropped, err := s.PruneSnapshots(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	current, err := s.CurrentSnapshotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, old, current)
}

func TestGraphStore_FingerprintMatchesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := testNode("Alpha"), testNode("Beta")
	nodes := []isg.InterfaceNode{a, b}
	edges := []isg.Edge{callsEdge(a, b)}

	first := commitTestSnapshot(t, s, "", nodes, edges)
	second := commitTestSnapshot(t, s, "", nodes, edges)

	// Same content, same fingerprint, regardless of snapshot id.
	fpFirst, err := s.GetSnapshot(ctx, first)
	require.NoError(t, err)
	fpSecond, err := s.GetSnapshot(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, fpFirst.Fingerprint, fpSecond.Fingerprint)

	// Different content, different fingerprint.
	c := testNode("Gamma")
	third := commitTestSnapshot(t, s, "", []isg.InterfaceNode{a, b, c}, edges)
	fpThird, err := s.GetSnapshot(ctx, third)
	require.NoError(t, err)
	assert.NotEqual(t, fpFirst.Fingerprint, fpThird.Fingerprint)
}

func TestGraphStore_VerifySnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)
	assert.NoError(t, s.VerifySnapshot(ctx, snap))
}

func TestGraphStore_PersistsAcrossReopen(t *testing.T) {
	dir, err := TempDir("harbor-store-test-")
	require.NoError(t, err)
	defer CleanupDir(dir)

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	s, err := NewGraphStore(cfg, nil)
	require.NoError(t, err)

	snap := commitTestSnapshot(t, s, "", []isg.InterfaceNode{testNode("Alpha")}, nil)
	require.NoError(t, s.Close())

	s2, err := NewGraphStore(cfg, nil)
	require.NoError(t, err)
	defer s2.Close()

	ctx := context.Background()
	current, err := s2.CurrentSnapshotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, current)

	nodes, err := s2.NodesByFile(ctx, snap, "pkg/a.go")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Alpha", nodes[0].Name)
}
