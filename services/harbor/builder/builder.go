// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder turns a Go workspace into committed graph snapshots.
//
// # Description
//
// A build has four phases: discover the file set, analyze each file
// into declarations and references, assemble the global node and edge
// sets, and persist them as a new snapshot. Analysis runs in parallel
// with bounded retries per file; assembly and persistence are
// deterministic, so the same tree always commits the same fingerprint.
//
// Incremental builds reuse analysis results for files whose content
// hash is unchanged and write only the node and edge delta against the
// base snapshot. Assembly itself always runs over the full file set:
// reference resolution is global, and a changed file can create or
// break edges anywhere.
//
// # Thread Safety
//
// A Builder is safe for concurrent use, but snapshot construction is
// single-writer: a second Build or Rebuild while one runs returns
// ErrBuildInProgress.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/analysis"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/manifest"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// retryBaseDelay seeds the per-file retry backoff.
const retryBaseDelay = 50 * time.Millisecond

// Builder constructs graph snapshots from a workspace.
type Builder struct {
	store    *store.GraphStore
	analyzer *analysis.Analyzer
	tracker  *manifest.Tracker
	opts     Options
	logger   *slog.Logger

	building atomic.Bool

	// cache maps path#hash to the analysis result for that exact
	// content, so unchanged files skip re-parsing across builds.
	cache map[string]*analysis.FileResult
}

// New creates a Builder over an open graph store.
//
// # Inputs
//
//   - st: Destination store for snapshots. Required.
//   - root: Workspace directory to index. Must exist.
//   - logger: Structured logger. nil falls back to slog.Default.
//   - opts: Functional options applied over defaultOptions.
//
// # Outputs
//
//   - *Builder: Ready to build.
//   - error: ErrNoRoot when root is empty or not a directory.
func New(st *store.GraphStore, root string, logger *slog.Logger, opts ...Option) (*Builder, error) {
	if root == "" {
		return nil, ErrNoRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoot, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoRoot, root)
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := defaultOptions(abs)
	for _, opt := range opts {
		opt(&o)
	}

	return &Builder{
		store:    st,
		analyzer: analysis.NewAnalyzer(analysis.WithIncludePrivate(o.IncludePrivate)),
		tracker:  manifest.NewTracker(),
		opts:     o,
		logger:   logger.With(slog.String("component", "builder")),
		cache:    make(map[string]*analysis.FileResult),
	}, nil
}

// Build runs a full build: every file analyzed or served from cache,
// and the complete assembly written to a fresh snapshot.
//
// # Outputs
//
//   - *Result: The committed snapshot and build statistics.
//   - error: ErrBuildInProgress, ErrNothingToBuild, or a store error.
//     Analysis failures do not fail the build; see Result.Failures.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	return b.run(ctx, false)
}

// Rebuild runs an incremental build against the current snapshot.
//
// # Description
//
// Diffs the workspace manifest against the current snapshot's manifest
// and re-analyzes only changed files. The new snapshot is cloned from
// the base and receives the node and edge delta plus orphan
// resolution. Without a current snapshot (or a stored manifest) this
// degrades to a full Build.
func (b *Builder) Rebuild(ctx context.Context) (*Result, error) {
	return b.run(ctx, true)
}

func (b *Builder) run(ctx context.Context, incremental bool) (*Result, error) {
	if !b.building.CompareAndSwap(false, true) {
		return nil, ErrBuildInProgress
	}
	defer b.building.Store(false)

	ctx, span := startBuildSpan(ctx, b.opts.Root, incremental)
	defer span.End()

	start := time.Now()
	result := &Result{}

	files, err := DiscoverFiles(b.opts.Root)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNothingToBuild
	}

	mf, err := b.tracker.ScanFiles(ctx, b.opts.Root, files)
	if err != nil {
		return nil, err
	}
	if mf.Incomplete {
		return nil, ctx.Err()
	}

	baseID, baseManifest := b.loadBase(ctx, incremental)
	changed := b.tracker.Diff(baseManifest, mf)
	if baseManifest != nil && changed.IsEmpty() {
		// Nothing moved; the current snapshot already describes the
		// tree.
		snap, err := b.store.GetSnapshot(ctx, baseID)
		if err != nil {
			return nil, err
		}
		result.Snapshot = *snap
		result.FilesReused = mf.FileCount()
		result.Duration = time.Since(start)
		return result, nil
	}

	results, failures, reused := b.analyzeAll(ctx, mf)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.Failures = failures
	result.FilesAnalyzed = len(results) - reused
	result.FilesReused = reused

	asm := Assemble(ModulePath(b.opts.Root), results)
	result.Warnings = asm.Warnings

	snap, err := b.persist(ctx, baseID, mf, asm, incremental && baseManifest != nil)
	if err != nil {
		return nil, err
	}
	result.Snapshot = *snap
	result.Duration = time.Since(start)

	recordBuildMetrics(ctx, result, incremental)
	b.logger.Info("build committed",
		slog.String("snapshot", snap.ID),
		slog.Bool("incremental", snap.Incremental),
		slog.Int("nodes", snap.NodeCount),
		slog.Int("edges", snap.EdgeCount),
		slog.Int("orphans", snap.OrphanCount),
		slog.Int("analyzed", result.FilesAnalyzed),
		slog.Int("reused", result.FilesReused),
		slog.Duration("took", result.Duration))
	return result, nil
}

// loadBase returns the current snapshot id and its decoded manifest.
// Any miss (no snapshot, no manifest, undecodable) returns ("", nil)
// and the caller falls back to a full build.
func (b *Builder) loadBase(ctx context.Context, incremental bool) (string, *manifest.Manifest) {
	if !incremental {
		return "", nil
	}
	baseID, err := b.store.CurrentSnapshotID(ctx)
	if err != nil {
		return "", nil
	}
	data, err := b.store.Manifest(ctx, baseID)
	if err != nil {
		b.logger.Warn("no base manifest, falling back to full build",
			slog.String("snapshot", baseID))
		return "", nil
	}
	mf, err := manifest.DecodeManifest(data)
	if err != nil {
		b.logger.Warn("undecodable base manifest, falling back to full build",
			slog.String("snapshot", baseID), slog.String("error", err.Error()))
		return "", nil
	}
	return baseID, mf
}

// analyzeAll produces a FileResult per tracked file, from cache when
// the content hash matches, otherwise by parallel analysis with
// bounded retries. The third return counts cache hits.
func (b *Builder) analyzeAll(ctx context.Context, mf *manifest.Manifest) ([]*analysis.FileResult, []FileFailure, int) {
	paths := mf.Paths()

	type slot struct {
		result  *analysis.FileResult
		failure *FileFailure
	}
	slots := make([]slot, len(paths))
	reused := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)

	for i, rel := range paths {
		key := rel + "#" + mf.Files[rel].Hash
		if cached, ok := b.cache[key]; ok {
			slots[i] = slot{result: cached}
			reused++
			continue
		}

		g.Go(func() error {
			res, err := b.analyzeWithRetry(gctx, rel)
			if err != nil {
				slots[i] = slot{failure: &FileFailure{
					Path:     rel,
					Attempts: b.opts.MaxAttempts,
					Err:      err.Error(),
				}}
				return nil
			}
			slots[i] = slot{result: res}
			return nil
		})
	}
	// Workers only report through their slot.
	_ = g.Wait()

	results := make([]*analysis.FileResult, 0, len(paths))
	var failures []FileFailure
	for i, s := range slots {
		switch {
		case s.result != nil:
			b.cache[paths[i]+"#"+mf.Files[paths[i]].Hash] = s.result
			results = append(results, s.result)
		case s.failure != nil:
			failures = append(failures, *s.failure)
		}
	}
	return results, failures, reused
}

// analyzeWithRetry reads and analyzes one file, retrying with
// exponential backoff and jitter. Retries help when an editor is
// mid-write; parse errors inside the file are not failures, they ride
// along in FileResult.Errs.
func (b *Builder) analyzeWithRetry(ctx context.Context, rel string) (*analysis.FileResult, error) {
	abs := filepath.Join(b.opts.Root, filepath.FromSlash(rel))

	var lastErr error
	for attempt := 0; attempt < b.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		content, err := os.ReadFile(abs)
		if err != nil {
			lastErr = err
			continue
		}

		res, err := b.analyzer.AnalyzeFile(ctx, rel, content)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return res, nil
	}
	return nil, lastErr
}

// persist writes the assembly to a new snapshot and commits it.
//
// Full build: fresh empty snapshot, bulk upsert. Incremental: clone of
// the base, then node and edge set deltas plus orphan resolution.
func (b *Builder) persist(ctx context.Context, baseID string, mf *manifest.Manifest, asm *Assembly, incremental bool) (*isg.Snapshot, error) {
	cloneFrom := ""
	if incremental {
		cloneFrom = baseID
	}
	snapID, err := b.store.CreateSnapshot(ctx, cloneFrom)
	if err != nil {
		return nil, err
	}

	if incremental {
		err = b.writeDelta(ctx, snapID, asm)
	} else {
		err = b.writeFull(ctx, snapID, asm)
	}
	if err != nil {
		return nil, err
	}

	if _, err := b.store.ResolveOrphans(ctx, snapID); err != nil {
		return nil, err
	}

	data, err := mf.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := b.store.PutManifest(ctx, snapID, data); err != nil {
		return nil, err
	}

	stats, err := b.store.Stats(ctx, snapID)
	if err != nil {
		return nil, err
	}
	fp, err := b.store.Fingerprint(ctx, snapID)
	if err != nil {
		return nil, err
	}

	snap := isg.Snapshot{
		ID:             snapID,
		Fingerprint:    fp,
		CreatedAtMilli: time.Now().UnixMilli(),
		Root:           b.opts.Root,
		NodeCount:      stats.Nodes,
		EdgeCount:      stats.Edges,
		OrphanCount:    stats.Orphans,
		Incremental:    incremental,
	}
	if err := b.store.CommitSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// writeFull bulk-writes the assembly into an empty snapshot. Nodes
// land before edges so no edge quarantines on a not-yet-written
// endpoint.
func (b *Builder) writeFull(ctx context.Context, snapID string, asm *Assembly) error {
	if err := b.store.UpsertNodes(ctx, snapID, asm.Nodes); err != nil {
		return err
	}
	if _, err := b.store.UpsertEdges(ctx, snapID, asm.Edges); err != nil {
		return err
	}
	return nil
}

// writeDelta reconciles a cloned snapshot against the assembly:
// missing or changed nodes are upserted, vanished nodes deleted (their
// incident edges quarantine), and the edge set diffed by key.
func (b *Builder) writeDelta(ctx context.Context, snapID string, asm *Assembly) error {
	wantNodes := make(map[isg.NodeID]isg.InterfaceNode, len(asm.Nodes))
	for _, n := range asm.Nodes {
		wantNodes[n.ID] = n
	}

	var upserts []isg.InterfaceNode
	var deletes []isg.NodeID
	seen := make(map[isg.NodeID]bool, len(wantNodes))

	err := b.store.IterateNodes(ctx, snapID, func(have isg.InterfaceNode) error {
		want, ok := wantNodes[have.ID]
		if !ok {
			deletes = append(deletes, have.ID)
			return nil
		}
		seen[have.ID] = true
		if want.SigHash != have.SigHash || want.Line != have.Line || want.Doc != have.Doc ||
			want.StartByte != have.StartByte || want.EndByte != have.EndByte {
			upserts = append(upserts, want)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, n := range asm.Nodes {
		if !seen[n.ID] {
			upserts = append(upserts, n)
		}
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].ID < upserts[j].ID })
	sort.Slice(deletes, func(i, j int) bool { return deletes[i] < deletes[j] })

	if err := b.store.DeleteNodes(ctx, snapID, deletes); err != nil {
		return err
	}
	if err := b.store.UpsertNodes(ctx, snapID, upserts); err != nil {
		return err
	}

	wantEdges := make(map[string]isg.Edge, len(asm.Edges))
	for _, e := range asm.Edges {
		wantEdges[e.Key()] = e
	}

	var edgeUpserts []isg.Edge
	var edgeDeletes []isg.Edge
	haveEdges := make(map[string]bool)

	err = b.store.IterateEdges(ctx, snapID, func(have isg.Edge) error {
		key := have.Key()
		haveEdges[key] = true
		if _, ok := wantEdges[key]; !ok {
			edgeDeletes = append(edgeDeletes, have)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range asm.Edges {
		if !haveEdges[e.Key()] {
			edgeUpserts = append(edgeUpserts, e)
		}
	}
	sort.Slice(edgeUpserts, func(i, j int) bool { return edgeUpserts[i].Key() < edgeUpserts[j].Key() })
	sort.Slice(edgeDeletes, func(i, j int) bool { return edgeDeletes[i].Key() < edgeDeletes[j].Key() })

	if err := b.store.DeleteEdges(ctx, snapID, edgeDeletes); err != nil {
		return err
	}
	if _, err := b.store.UpsertEdges(ctx, snapID, edgeUpserts); err != nil {
		return err
	}
	return nil
}
