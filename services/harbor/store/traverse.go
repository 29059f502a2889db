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
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Traversal bounds. MaxFanOut is a hard ceiling: a single node expands
// at most this many neighbors regardless of configuration, which keeps
// hub nodes (a logging helper called everywhere) from exploding the
// working set.
const (
	MaxFanOut         = 30
	DefaultMaxDepth   = 2
	DefaultNodeBudget = 512
)

// Direction selects which edges a traversal follows.
type Direction int

const (
	// DirectionOut follows edges from source to destination.
	DirectionOut Direction = iota
	// DirectionIn follows edges from destination back to source.
	DirectionIn
	// DirectionBoth follows edges both ways.
	DirectionBoth
)

var directionNames = map[Direction]string{
	DirectionOut:  "out",
	DirectionIn:   "in",
	DirectionBoth: "both",
}

// String returns the direction name.
func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection converts a string to a Direction.
// Unrecognized strings map to -1.
func ParseDirection(s string) Direction {
	for dir, name := range directionNames {
		if name == s {
			return dir
		}
	}
	return Direction(-1)
}

// TraversalOptions configures a bounded neighborhood expansion.
type TraversalOptions struct {
	// Direction selects which edges to follow. Default: DirectionOut.
	Direction Direction

	// MaxDepth is the hop bound. Must be at least 1.
	MaxDepth int

	// FanOut caps the neighbors expanded per node. Values above
	// MaxFanOut clamp; zero means MaxFanOut.
	FanOut int

	// Kinds filters followed edges. Empty means every kind.
	Kinds []isg.EdgeKind

	// NodeBudget caps the total visited nodes. Zero means
	// DefaultNodeBudget.
	NodeBudget int
}

// DefaultTraversalOptions returns the bounds used when callers pass
// nothing: outgoing edges, two hops, full fan-out, default budget.
func DefaultTraversalOptions() TraversalOptions {
	return TraversalOptions{
		Direction:  DirectionOut,
		MaxDepth:   DefaultMaxDepth,
		FanOut:     MaxFanOut,
		NodeBudget: DefaultNodeBudget,
	}
}

func (o *TraversalOptions) normalize() error {
	if o.MaxDepth < 1 {
		return fmt.Errorf("%w: depth %d", ErrInvalidTraversal, o.MaxDepth)
	}
	if o.FanOut <= 0 || o.FanOut > MaxFanOut {
		o.FanOut = MaxFanOut
	}
	if o.NodeBudget <= 0 {
		o.NodeBudget = DefaultNodeBudget
	}
	return nil
}

// Traversal is the result of one bounded neighborhood expansion.
type Traversal struct {
	// Root is the node the expansion started from.
	Root isg.NodeID

	// Nodes holds every visited node ordered by (depth, id). The root
	// is first.
	Nodes []isg.InterfaceNode

	// Edges holds every followed edge in discovery order.
	Edges []isg.Edge

	// Depths maps each visited node to its hop distance from the root.
	Depths map[isg.NodeID]int

	// Truncated reports that a fan-out cap or the node budget cut the
	// expansion short. The returned subset is still deterministic.
	Truncated bool
}

// Neighborhood expands the bounded k-hop neighborhood of one node.
//
// # Description
//
// Breadth-first expansion over the snapshot's live edges. Each node
// contributes at most FanOut neighbors, chosen in key order so repeated
// runs over the same snapshot return the identical subset. Quarantined
// edges are invisible here.
//
// # Inputs
//
//   - ctx: Cancellation context, checked per frontier.
//   - snapID: Snapshot to read. Committed or under construction.
//   - root: Starting node id.
//   - opts: Bounds. MaxDepth must be at least 1.
//
// # Outputs
//
//   - *Traversal: visited nodes, followed edges, per-node depths.
//   - error: ErrNodeNotFound when the root is absent,
//     ErrInvalidTraversal for bad bounds.
//
// # Thread Safety
//
// Safe for concurrent use.
func (s *GraphStore) Neighborhood(ctx context.Context, snapID string, root isg.NodeID, opts TraversalOptions) (*Traversal, error) {
	ctx, span := tracer.Start(ctx, "GraphStore.Neighborhood")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.snapshot", snapID),
		attribute.String("store.root", string(root)),
		attribute.Int("store.max_depth", opts.MaxDepth),
		attribute.String("store.direction", opts.Direction.String()),
	)

	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if _, err := s.GetNode(ctx, snapID, root); err != nil {
		return nil, err
	}

	kindSet := make(map[isg.EdgeKind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kindSet[k] = true
	}
	followKind := func(k isg.EdgeKind) bool {
		return len(kindSet) == 0 || kindSet[k]
	}

	result := &Traversal{
		Root:   root,
		Depths: map[isg.NodeID]int{root: 0},
	}
	frontier := []isg.NodeID{root}
	seenEdges := make(map[string]bool)

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("traversal cancelled: %w", err)
		}

		var next []isg.NodeID
		err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			for _, id := range frontier {
				expanded := 0

				var scanErr error
				if opts.Direction == DirectionOut || opts.Direction == DirectionBoth {
					scanErr = s.expand(txn, snapID, id, false, followKind, opts.FanOut, &expanded, seenEdges, result, &next)
				}
				if scanErr == nil && (opts.Direction == DirectionIn || opts.Direction == DirectionBoth) {
					scanErr = s.expand(txn, snapID, id, true, followKind, opts.FanOut, &expanded, seenEdges, result, &next)
				}
				if scanErr != nil {
					return scanErr
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		// Key-ordered scans per node plus a sorted frontier keep the
		// whole expansion deterministic. The node budget is enforced
		// here, at promotion, so it cuts at an exact count.
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		budgetHit := false
		accepted := next[:0]
		for _, id := range next {
			if _, ok := result.Depths[id]; ok {
				continue
			}
			if len(result.Depths) >= opts.NodeBudget {
				result.Truncated = true
				budgetHit = true
				break
			}
			result.Depths[id] = depth
			accepted = append(accepted, id)
		}
		if budgetHit {
			break
		}
		frontier = accepted
	}

	// A budget abort can leave followed edges that point past the
	// visited set; drop them so Edges always closes over Nodes.
	if result.Truncated {
		kept := result.Edges[:0]
		for _, e := range result.Edges {
			if _, ok := result.Depths[e.Src]; !ok {
				continue
			}
			if _, ok := result.Depths[e.Dst]; !ok {
				continue
			}
			kept = append(kept, e)
		}
		result.Edges = kept
	}

	if err := s.fetchTraversalNodes(ctx, snapID, result); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("store.visited", len(result.Nodes)),
		attribute.Bool("store.truncated", result.Truncated),
	)
	return result, nil
}

// expand scans one node's edges in one direction, honoring the shared
// per-node fan-out budget. Edges already followed from the other side
// (DirectionBoth) neither repeat in the result nor count again.
func (s *GraphStore) expand(txn *badger.Txn, snapID string, id isg.NodeID, reverse bool, followKind func(isg.EdgeKind) bool, fanOut int, expanded *int, seenEdges map[string]bool, result *Traversal, next *[]isg.NodeID) error {
	var prefix []byte
	if reverse {
		prefix = reverseInPrefix(snapID, id)
	} else {
		prefix = edgeOutPrefix(snapID, id)
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var e isg.Edge
		var ok bool
		if reverse {
			e, ok = edgeFromReverseKey(it.Item().Key(), snapID)
		} else {
			e, ok = edgeFromKey(it.Item().Key(), snapID, "e")
		}
		if !ok || !followKind(e.Kind) {
			continue
		}
		if seenEdges[e.Key()] {
			continue
		}

		if *expanded >= fanOut {
			result.Truncated = true
			return nil
		}
		*expanded++
		seenEdges[e.Key()] = true

		result.Edges = append(result.Edges, e)
		neighbor := e.Dst
		if reverse {
			neighbor = e.Src
		}
		if _, seen := result.Depths[neighbor]; !seen {
			alreadyQueued := false
			for _, q := range *next {
				if q == neighbor {
					alreadyQueued = true
					break
				}
			}
			if !alreadyQueued {
				*next = append(*next, neighbor)
			}
		}
	}
	return nil
}

// fetchTraversalNodes materializes visited nodes ordered by (depth, id).
func (s *GraphStore) fetchTraversalNodes(ctx context.Context, snapID string, result *Traversal) error {
	ids := make([]isg.NodeID, 0, len(result.Depths))
	for id := range result.Depths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := result.Depths[ids[i]], result.Depths[ids[j]]
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})

	result.Nodes = make([]isg.InterfaceNode, 0, len(ids))
	for _, id := range ids {
		node, err := s.GetNode(ctx, snapID, id)
		if err != nil {
			// Edges are quarantined with their endpoint, so a visited
			// id always resolves; a miss here is storage corruption.
			return fmt.Errorf("traversal node %s: %w", id, err)
		}
		result.Nodes = append(result.Nodes, *node)
	}
	return nil
}
