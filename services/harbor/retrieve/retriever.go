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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/vector"
)

// Retriever answers hybrid queries over the current snapshot.
//
// # Thread Safety
//
// Safe for concurrent use. All state is read-only after construction.
type Retriever struct {
	nodes  NodeReader
	search Searcher
	config Config
	logger *slog.Logger
}

// New creates a retriever.
//
// # Inputs
//
//   - nodes: Structural read surface. Required.
//   - search: Similarity read surface. Nil disables similarity and
//     answers every embedding query structurally.
//   - config: Default bounds. Zero values are filled in.
//   - logger: Structured logger. If nil, uses slog.Default().
//
// # Outputs
//
//   - *Retriever: Ready-to-use retriever.
//   - error: Non-nil when nodes is nil.
//
// # Thread Safety
//
// Safe for concurrent use.
func New(nodes NodeReader, search Searcher, config Config, logger *slog.Logger) (*Retriever, error) {
	if nodes == nil {
		return nil, fmt.Errorf("retrieve: nil node reader")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	return &Retriever{
		nodes:  nodes,
		search: search,
		config: config,
		logger: logger.With(slog.String("component", "retrieve")),
	}, nil
}

// exactHit is one node reached by traversal, at its minimum hop
// distance over all seeds.
type exactHit struct {
	node  isg.InterfaceNode
	depth int
}

// Retrieve runs the fusion pipeline: BFS from the seeds, ANN lookup
// for the embedding, union by node id, rank, truncate.
//
// # Description
//
// Scores are ExactBonus for a structural hit plus normalized
// similarity for a vector hit; a node found both ways earns both.
// Ties break on ascending node id, so the same store and the same
// query always produce the identical ranked list. An unavailable
// similarity backend degrades the answer to structural-only and sets
// Degraded instead of failing the query.
//
// # Inputs
//
//   - ctx: Cancellation context.
//   - q: Query. Needs seeds, an embedding, or both.
//
// # Outputs
//
//   - *ResultSet: Ranked results against the current snapshot.
//   - error: ErrEmptyQuery, store errors (no snapshot yet), or a
//     similarity error that is not a degradation.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*ResultSet, error) {
	if len(q.Seeds) == 0 && len(q.Embedding) == 0 {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	ctx, span := startRetrieveSpan(ctx, len(q.Seeds), len(q.Embedding))
	defer span.End()

	bounds := r.bounds(q)

	snapID, err := r.nodes.CurrentSnapshotID(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no snapshot")
		return nil, fmt.Errorf("resolve current snapshot: %w", err)
	}

	exact, err := r.traverse(ctx, snapID, q.Seeds, bounds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "traversal failed")
		return nil, err
	}

	sims, degraded, err := r.similar(ctx, q.Embedding, bounds.K)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity failed")
		return nil, err
	}

	results := r.fuse(ctx, snapID, exact, sims)
	rank(results)
	results, truncated := truncate(results, bounds.MaxResults, bounds.MaxBytes)

	set := &ResultSet{
		SnapshotID: snapID,
		Results:    results,
		Truncated:  truncated,
		Degraded:   degraded,
	}

	setRetrieveSpanResult(span, snapID, len(results), truncated, degraded)
	recordQuery(ctx, queryMode(q), len(results), degraded, time.Since(start))
	return set, nil
}

// bounds merges per-query overrides onto the retriever defaults.
func (r *Retriever) bounds(q Query) Config {
	b := r.config
	if q.HopLimit > 0 {
		b.HopLimit = q.HopLimit
	}
	if q.FanOut > 0 {
		b.FanOut = q.FanOut
	}
	if q.K > 0 {
		b.K = q.K
	}
	if q.MaxResults > 0 {
		b.MaxResults = q.MaxResults
	}
	if q.MaxBytes > 0 {
		b.MaxBytes = q.MaxBytes
	}
	return b
}

// traverse BFS-expands every seed and keeps each node at its minimum
// depth. Seeds missing from the snapshot are skipped: a stale id
// should shrink the answer, not kill the query.
func (r *Retriever) traverse(ctx context.Context, snapID string, seeds []isg.NodeID, bounds Config) (map[isg.NodeID]exactHit, error) {
	exact := make(map[isg.NodeID]exactHit)
	seen := make(map[isg.NodeID]bool, len(seeds))

	for _, seed := range seeds {
		if seen[seed] {
			continue
		}
		seen[seed] = true

		trav, err := r.nodes.Neighborhood(ctx, snapID, seed, store.TraversalOptions{
			Direction: store.DirectionBoth,
			MaxDepth:  bounds.HopLimit,
			FanOut:    bounds.FanOut,
		})
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				r.logger.Debug("seed not in snapshot",
					slog.String("seed", string(seed)),
					slog.String("snapshot_id", snapID))
				continue
			}
			return nil, fmt.Errorf("traverse from %s: %w", seed, err)
		}

		for _, node := range trav.Nodes {
			depth := trav.Depths[node.ID]
			if prev, ok := exact[node.ID]; ok && prev.depth <= depth {
				continue
			}
			exact[node.ID] = exactHit{node: node, depth: depth}
		}
	}
	return exact, nil
}

// similar queries the vector index. An unavailable backend is a
// degradation, not an error: the caller still gets structural results.
func (r *Retriever) similar(ctx context.Context, embedding []float32, k int) (map[isg.NodeID]float64, bool, error) {
	if len(embedding) == 0 {
		return nil, false, nil
	}
	if r.search == nil {
		return nil, true, nil
	}

	hits, err := r.search.Search(ctx, embedding, k)
	if err != nil {
		if errors.Is(err, vector.ErrUnavailable) || errors.Is(err, vector.ErrCircuitOpen) {
			r.logger.Warn("similarity backend unavailable, structural results only",
				slog.String("error", err.Error()))
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("similarity search: %w", err)
	}

	sims := make(map[isg.NodeID]float64, len(hits))
	for _, h := range hits {
		sim := h.Similarity
		if sim < 0 {
			sim = 0
		} else if sim > 1 {
			sim = 1
		}
		if prev, ok := sims[h.ID]; !ok || sim > prev {
			sims[h.ID] = sim
		}
	}
	return sims, false, nil
}

// fuse unions structural and similarity hits. Similarity hits whose
// node left the snapshot (stale index entries) are dropped.
func (r *Retriever) fuse(ctx context.Context, snapID string, exact map[isg.NodeID]exactHit, sims map[isg.NodeID]float64) []Result {
	results := make([]Result, 0, len(exact)+len(sims))

	for id, hit := range exact {
		res := Result{
			ID:    id,
			Node:  hit.node,
			Score: r.config.ExactBonus,
			Exact: true,
			Depth: hit.depth,
		}
		if sim, ok := sims[id]; ok {
			res.Score += sim
			res.Similarity = sim
		}
		results = append(results, res)
	}

	for id, sim := range sims {
		if _, ok := exact[id]; ok {
			continue
		}
		node, err := r.nodes.GetNode(ctx, snapID, id)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				r.logger.Debug("similarity hit for unknown node",
					slog.String("id", string(id)),
					slog.String("snapshot_id", snapID))
				continue
			}
			r.logger.Warn("node lookup failed during fusion",
				slog.String("id", string(id)),
				slog.String("error", err.Error()))
			continue
		}
		results = append(results, Result{
			ID:         id,
			Node:       *node,
			Score:      sim,
			Similarity: sim,
		})
	}
	return results
}

// rank orders results by score descending, ties by ascending id.
func rank(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// truncate applies the count and serialized-size budgets, whichever
// hits first.
func truncate(results []Result, maxResults, maxBytes int) ([]Result, bool) {
	truncated := false
	if len(results) > maxResults {
		results = results[:maxResults]
		truncated = true
	}

	total := 0
	for i, res := range results {
		b, err := json.Marshal(res)
		if err != nil {
			continue
		}
		total += len(b)
		if total > maxBytes {
			return results[:i], true
		}
	}
	return results, truncated
}

// queryMode labels a query for metrics.
func queryMode(q Query) string {
	switch {
	case len(q.Seeds) > 0 && len(q.Embedding) > 0:
		return "hybrid"
	case len(q.Seeds) > 0:
		return "structural"
	default:
		return "similarity"
	}
}
